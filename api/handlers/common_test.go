package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BaSui01/agentteam/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.JSONEq(t, `{"accepted":true}`, w.Body.String())
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		code      types.ErrorCode
		retryable bool
	}{
		{
			name:   "code mapped status",
			err:    types.NewError(types.ErrStaleRunVersion, "stale"),
			status: http.StatusConflict,
			code:   types.ErrStaleRunVersion,
		},
		{
			name:   "explicit status wins",
			err:    types.NewError(types.ErrInvalidRequest, "too big").WithHTTPStatus(http.StatusRequestEntityTooLarge),
			status: http.StatusRequestEntityTooLarge,
			code:   types.ErrInvalidRequest,
		},
		{
			name:      "retryable flag carried",
			err:       types.NewError(types.ErrTeamRuntimeUnavailable, "down").WithRetryable(true),
			status:    http.StatusServiceUnavailable,
			code:      types.ErrTeamRuntimeUnavailable,
			retryable: true,
		},
		{
			name:   "wrapped types.Error",
			err:    fmt.Errorf("dispatch: %w", types.NewError(types.ErrRunNotFound, "gone")),
			status: http.StatusNotFound,
			code:   types.ErrRunNotFound,
		},
		{
			name:   "plain error becomes internal",
			err:    errors.New("boom"),
			status: http.StatusInternalServerError,
			code:   types.ErrInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, nil, tt.err, zap.NewNop())

			assert.Equal(t, tt.status, w.Code)
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.code), resp.Error.Code)
			assert.Equal(t, tt.retryable, resp.Error.Retryable)
			assert.False(t, resp.Timestamp.IsZero())
		})
	}
}

func TestWriteError_RequestContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	ctx := types.WithRequestID(r.Context(), "req-42")
	ctx = types.WithCallerNodeID(ctx, "worker-1")
	r = r.WithContext(ctx)

	w := httptest.NewRecorder()
	WriteError(w, r, types.NewError(types.ErrInvalidEnvelope, "bad envelope"), zap.New(core))

	resp := decodeResponse(t, w)
	assert.Equal(t, "req-42", resp.RequestID)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "bad envelope", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "req-42", fields["request_id"])
	assert.Equal(t, "worker-1", fields["caller_node_id"])

	w = httptest.NewRecorder()
	WriteError(w, r, errors.New("boom"), zap.New(core))
	assert.Equal(t, zapcore.ErrorLevel, logs.All()[1].Level)
}

func TestStatusForCode(t *testing.T) {
	tests := []struct {
		code types.ErrorCode
		want int
	}{
		{types.ErrInvalidEnvelope, http.StatusBadRequest},
		{types.ErrInternalSignatureExpired, http.StatusUnauthorized},
		{types.ErrInternalCallerNotAllowed, http.StatusForbidden},
		{types.ErrTeamMemberNotFound, http.StatusNotFound},
		{types.ErrStaleApprovalToken, http.StatusConflict},
		{types.ErrPlacementViolation, http.StatusUnprocessableEntity},
		{types.ErrRateLimited, http.StatusTooManyRequests},
		{types.ErrTimeout, http.StatusGatewayTimeout},
		{types.ErrTeamDispatchUnavailable, http.StatusServiceUnavailable},
		{types.ErrRemoteTargetUnresolvable, http.StatusBadGateway},
		{types.ErrorCode("SOMETHING_NEW"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusForCode(tt.code))
		})
	}
}

func TestRequireJSONPost(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		contentType string
		ok          bool
		status      int
	}{
		{"json post", http.MethodPost, "application/json", true, http.StatusOK},
		{"json with charset", http.MethodPost, "application/json; charset=utf-8", true, http.StatusOK},
		{"wrong method", http.MethodPut, "application/json", false, http.StatusMethodNotAllowed},
		{"missing content type", http.MethodPost, "", false, http.StatusUnsupportedMediaType},
		{"json prefix only", http.MethodPost, "application/jsonp", false, http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/", strings.NewReader("{}"))
			if tt.contentType != "" {
				r.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()

			assert.Equal(t, tt.ok, requireJSONPost(w, r, nil))
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestDecodeBody(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	t.Run("tolerates unknown fields", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","added_later":1}`))
		w := httptest.NewRecorder()
		var dst payload
		require.True(t, decodeBody(w, r, &dst, types.ErrInvalidEnvelope, nil))
		assert.Equal(t, "a", dst.Name)
	})

	t.Run("empty body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
		w := httptest.NewRecorder()
		var dst payload
		require.False(t, decodeBody(w, r, &dst, types.ErrInvalidEnvelope, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, string(types.ErrInvalidEnvelope), decodeResponse(t, w).Error.Code)
	})

	t.Run("malformed json", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
		w := httptest.NewRecorder()
		var dst payload
		require.False(t, decodeBody(w, r, &dst, types.ErrInvalidRequest, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("oversized body", func(t *testing.T) {
		big := `{"name":"` + strings.Repeat("x", maxBodyBytes) + `"}`
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))
		w := httptest.NewRecorder()
		var dst payload
		require.False(t, decodeBody(w, r, &dst, types.ErrInvalidRequest, nil))
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := NewResponseWriter(w)

	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.False(t, rw.Written)

	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusInternalServerError)
	_, err := rw.Write([]byte("ok"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, rw.StatusCode)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, rw.Written)
}
