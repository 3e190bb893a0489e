package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	cacheHeaderName = "X-Cache"
	cacheHit        = "HIT"
	cacheMiss       = "MISS"
)

// ResponseKey derives the cache key for a GET request: prefix plus a digest of method, path and sorted query.
func ResponseKey(prefix string, r *http.Request) string {
	builder := strings.Builder{}
	builder.WriteString(strings.ToUpper(r.Method))
	builder.WriteString("|")
	builder.WriteString(r.URL.Path)
	builder.WriteString("|")
	builder.WriteString(canonicalQuery(r.URL.Query()))

	sum := sha256.Sum256([]byte(builder.String()))
	return prefix + ":" + hex.EncodeToString(sum[:])
}

func canonicalQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		vals := append([]string(nil), values[key]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// ResponseCache serves cached 200 JSON GET responses and stores fresh ones for ttl.
func ResponseCache(c *Cache, prefix string, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !c.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet || strings.Contains(r.Header.Get("Cache-Control"), "no-cache") {
				next.ServeHTTP(w, r)
				return
			}

			key := ResponseKey(prefix, r)
			if body, ok := c.Get(r.Context(), key); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(cacheHeaderName, cacheHit)
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(body)
				return
			}

			recorder := newCaptureWriter(w)
			recorder.Header().Set(cacheHeaderName, cacheMiss)
			next.ServeHTTP(recorder, r)

			if recorder.Status() == http.StatusOK && isJSON(recorder.Header().Get("Content-Type")) && recorder.body.Len() > 0 {
				c.Set(r.Context(), key, recorder.body.Bytes(), ttl)
			}
		})
	}
}

// InvalidateOnSuccess drops every key matching patterns after a mutating request returns 2xx.
func InvalidateOnSuccess(c *Cache, patterns ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !c.Enabled() || len(patterns) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			recorder := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(recorder, r)

			if status := recorder.Status(); status >= 200 && status < 300 {
				for _, pattern := range patterns {
					c.DeleteByPattern(r.Context(), pattern)
				}
			}
		})
	}
}

func isJSON(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "application/json")
}

// captureWriter passes the response through while keeping a copy of the body.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func newCaptureWriter(w http.ResponseWriter) *captureWriter {
	return &captureWriter{ResponseWriter: w}
}

func (w *captureWriter) WriteHeader(status int) {
	if w.status != 0 {
		return
	}
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *captureWriter) Write(data []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	w.body.Write(data)
	return w.ResponseWriter.Write(data)
}

func (w *captureWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status != 0 {
		return
	}
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(data []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(data)
}

func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
