package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/chimera/types"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

// decodeResponse 解析统一响应，Data 解到 data（可为 nil）
func decodeResponse(t *testing.T, w *httptest.ResponseRecorder, data any) Response {
	t.Helper()
	var raw struct {
		Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw), "body: %s", w.Body.String())
	if data != nil {
		require.NotEmpty(t, raw.Data, "body: %s", w.Body.String())
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return raw.Response
}

func jsonRequest(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// =============================================================================
// 🧪 响应函数测试
// =============================================================================

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name       string
		data       any
		wantStatus int
	}{
		{name: "simple object", data: map[string]string{"message": "hello"}, wantStatus: http.StatusOK},
		{name: "array", data: []int{1, 2, 3}, wantStatus: http.StatusOK},
		{name: "accepted", data: nil, wantStatus: http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteJSON(w, tt.wantStatus, tt.data)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
			assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		})
	}
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccess(w, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)
	var data map[string]string
	resp := decodeResponse(t, w, &data)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "value", data["key"])
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{
			name:       "validation",
			err:        types.NewValidationError("goal is required"),
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION",
			wantMsg:    "goal is required",
		},
		{
			name:       "not found wrapped",
			err:        fmt.Errorf("lookup: %w", types.NewNotFoundError("task x not found")),
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
			wantMsg:    "task x not found",
		},
		{
			name:       "already resolved",
			err:        types.NewError(types.ErrAlreadyResolved, "done"),
			wantStatus: http.StatusConflict,
			wantCode:   "ALREADY_RESOLVED",
		},
		{
			name:       "circuit open",
			err:        types.NewError(types.ErrCircuitOpen, "wallet open"),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "CIRCUIT_OPEN",
		},
		{
			name:       "untagged error hides details",
			err:        errors.New("pq: connection refused at 10.0.0.3"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL",
			wantMsg:    "internal error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err, zap.NewNop())

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeResponse(t, w, nil)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, resp.Error.Message)
			}
			assert.NotContains(t, w.Body.String(), "10.0.0.3")
		})
	}
}

func TestWriteError_KindAndRetryable(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, types.NewRateLimitError("slow down", 0).WithRetryable(true), nil)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	resp := decodeResponse(t, w, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.KindTransient), resp.Error.Kind)
	assert.True(t, resp.Error.Retryable)
}

// =============================================================================
// 🧪 DecodeJSONBody 测试
// =============================================================================

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	tests := []struct {
		name        string
		body        string
		contentType string
		wantErr     bool
		wantStatus  int
	}{
		{name: "valid", body: `{"name":"a"}`, contentType: "application/json", wantErr: false},
		{name: "charset suffix", body: `{"name":"a"}`, contentType: "application/json; charset=utf-8", wantErr: false},
		{name: "no content type", body: `{"name":"a"}`, contentType: "", wantErr: false},
		{name: "unknown field", body: `{"name":"a","extra":1}`, contentType: "application/json", wantErr: true, wantStatus: http.StatusBadRequest},
		{name: "trailing data", body: `{"name":"a"}{"name":"b"}`, contentType: "application/json", wantErr: true, wantStatus: http.StatusBadRequest},
		{name: "malformed", body: `{"name":`, contentType: "application/json", wantErr: true, wantStatus: http.StatusBadRequest},
		{name: "wrong media type", body: `name=a`, contentType: "application/x-www-form-urlencoded", wantErr: true, wantStatus: http.StatusUnsupportedMediaType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(tt.body))
			if tt.contentType != "" {
				r.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()

			var dst payload
			err := DecodeJSONBody(w, r, &dst, zap.NewNop())
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "a", dst.Name)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestDecodeJSONBody_Empty(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/x", nil)
	w := httptest.NewRecorder()

	var dst map[string]any
	require.Error(t, DecodeJSONBody(w, r, &dst, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecodeJSONBody_MaxBodySize(t *testing.T) {
	big := `{"name":"` + strings.Repeat("x", maxBodyBytes+1) + `"}`
	r := jsonRequest(http.MethodPost, "/x", big)
	w := httptest.NewRecorder()

	var dst map[string]any
	require.Error(t, DecodeJSONBody(w, r, &dst, zap.NewNop()))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecodeJSONBody_WithinLimit(t *testing.T) {
	body, err := json.Marshal(map[string]string{"name": strings.Repeat("y", 1024)})
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/x", bytes.NewReader(body))
	w := httptest.NewRecorder()

	var dst map[string]string
	require.NoError(t, DecodeJSONBody(w, r, &dst, zap.NewNop()))
	assert.Len(t, dst["name"], 1024)
}
