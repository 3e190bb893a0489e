package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tiendaflow/api/internal/platform/requestctx"
)

func TestWriteErrorIncludesTraceAndDetails(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "trace-1"})
	rec := httptest.NewRecorder()

	WriteError(ctx, rec, NewError("order_not_found", "order\nnot found", http.StatusNotFound).
		WithDetails(map[string]any{"order_id": "ord_1"}))

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "order_not_found", body["error"])
	require.Equal(t, "order not found", body["message"])
	require.Equal(t, "trace-1", body["trace_id"])
	require.Equal(t, "ord_1", body["order_id"])
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Status string `json:"status"`
	}

	cases := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"valid", `{"status":"shipped"}`, ""},
		{"unknown field", `{"status":"shipped","shipped_at":"now"}`, "invalid_request"},
		{"trailing data", `{"status":"shipped"}{}`, "invalid_request"},
		{"empty", ``, "invalid_request"},
		{"wrong type", `{"status":1}`, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPatch, "/", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			var dst payload
			err := DecodeJSON(httptest.NewRecorder(), req, &dst, 0)
			if tc.wantCode == "" {
				require.Nil(t, err)
				require.Equal(t, "shipped", dst.Status)
				return
			}
			require.NotNil(t, err)
			require.Equal(t, tc.wantCode, err.Code)
			require.Equal(t, http.StatusBadRequest, err.Status)
		})
	}
}

func TestDecodeJSONRejectsOversizedAndWrongType(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"status":"`+strings.Repeat("x", 64)+`"}`))
	var dst map[string]any
	err := DecodeJSON(httptest.NewRecorder(), req, &dst, 16)
	require.NotNil(t, err)
	require.Equal(t, "request body too large", err.Message)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	err = DecodeJSON(httptest.NewRecorder(), req, &dst, 0)
	require.NotNil(t, err)
	require.Equal(t, http.StatusUnsupportedMediaType, err.Status)
}
