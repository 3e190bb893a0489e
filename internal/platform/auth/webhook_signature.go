package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	signatureHeader = "X-Signature"
	requestIDHeader = "X-Request-Id"
)

var (
	// ErrSignatureMissing indicates the notification carried no signature header.
	ErrSignatureMissing = errors.New("auth: webhook signature missing")
	// ErrSignatureInvalid indicates the signature did not match the shared secret.
	ErrSignatureInvalid = errors.New("auth: webhook signature invalid")
	// ErrSignatureExpired indicates the signed timestamp is outside the tolerance window.
	ErrSignatureExpired = errors.New("auth: webhook signature expired")
)

// WebhookSignatureVerifier checks the gateway's "ts=…,v1=…" HMAC-SHA256 notification signature.
// The signed manifest is "id:<data.id>;request-id:<x-request-id>;ts:<ts>;".
type WebhookSignatureVerifier struct {
	secret    []byte
	tolerance time.Duration
	clock     func() time.Time
}

// NewWebhookSignatureVerifier returns nil when secret is empty, which disables verification.
func NewWebhookSignatureVerifier(secret string, tolerance time.Duration) *WebhookSignatureVerifier {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return &WebhookSignatureVerifier{secret: []byte(secret), tolerance: tolerance, clock: time.Now}
}

// Enabled reports whether a secret is configured.
func (v *WebhookSignatureVerifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Verify validates r's signature for the notified resource id.
func (v *WebhookSignatureVerifier) Verify(r *http.Request, dataID string) error {
	if !v.Enabled() {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get(signatureHeader))
	if header == "" {
		return ErrSignatureMissing
	}

	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			sig = strings.TrimSpace(value)
		}
	}
	if ts == "" || sig == "" {
		return ErrSignatureInvalid
	}

	expected, err := hex.DecodeString(sig)
	if err != nil {
		return ErrSignatureInvalid
	}

	var manifest strings.Builder
	if dataID != "" {
		manifest.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if reqID := strings.TrimSpace(r.Header.Get(requestIDHeader)); reqID != "" {
		manifest.WriteString("request-id:" + reqID + ";")
	}
	manifest.WriteString("ts:" + ts + ";")

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(manifest.String()))
	if !hmac.Equal(mac.Sum(nil), expected) {
		return ErrSignatureInvalid
	}

	if v.tolerance > 0 {
		signedAt, err := parseSignatureTimestamp(ts)
		if err != nil {
			return ErrSignatureInvalid
		}
		if age := v.clock().Sub(signedAt); age > v.tolerance || age < -v.tolerance {
			return ErrSignatureExpired
		}
	}
	return nil
}

// parseSignatureTimestamp accepts seconds or milliseconds since the epoch.
func parseSignatureTimestamp(ts string) (time.Time, error) {
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if n > 1e12 {
		return time.UnixMilli(n), nil
	}
	return time.Unix(n, 0), nil
}
