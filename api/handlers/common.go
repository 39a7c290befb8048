package handlers

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"time"

	"github.com/BaSui01/agentteam/types"
	"go.uber.org/zap"
)

// =============================================================================
// 📦 错误响应结构
// =============================================================================

// Response 错误响应信封。内部端点成功时直接写出结果结构，不使用该信封。
type Response struct {
	Success   bool       `json:"success"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息。Retryable 供调用方节点决定是否重试。
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// maxBodyBytes 节点间请求体上限
const maxBodyBytes = 1 << 20

// =============================================================================
// 🎯 写出
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	// 头已写出，编码失败无法再改状态码
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError 写入错误响应。非 *types.Error 按 INTERNAL_ERROR 处理，
// 状态码优先取错误自带的 HTTPStatus，否则按错误码映射。
func WriteError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	var te *types.Error
	if !errors.As(err, &te) {
		te = types.NewError(types.ErrInternalError, "internal error").WithCause(err)
	}

	status := te.HTTPStatus
	if status == 0 {
		status = StatusForCode(te.Code)
	}

	resp := Response{
		Error: &ErrorInfo{
			Code:      string(te.Code),
			Message:   te.Message,
			Retryable: te.Retryable,
		},
		Timestamp: time.Now(),
	}
	if r != nil {
		resp.RequestID, _ = types.RequestID(r.Context())
	}

	if logger != nil {
		fields := []zap.Field{
			zap.String("code", string(te.Code)),
			zap.Int("status", status),
			zap.Bool("retryable", te.Retryable),
		}
		if resp.RequestID != "" {
			fields = append(fields, zap.String("request_id", resp.RequestID))
		}
		if r != nil {
			if caller, ok := types.CallerNodeID(r.Context()); ok {
				fields = append(fields, zap.String("caller_node_id", caller))
			}
		}
		if te.Cause != nil {
			fields = append(fields, zap.Error(te.Cause))
		}
		if status >= http.StatusInternalServerError {
			logger.Error(te.Message, fields...)
		} else {
			logger.Warn(te.Message, fields...)
		}
	}

	WriteJSON(w, status, resp)
}

// StatusForCode 错误码到 HTTP 状态码的映射。5xx 与 429 被调用方视为可重试。
func StatusForCode(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidRequest, types.ErrInvalidEnvelope:
		return http.StatusBadRequest
	case types.ErrUnauthorized, types.ErrInternalSignatureMissing,
		types.ErrInternalSignatureInvalid, types.ErrInternalSignatureExpired:
		return http.StatusUnauthorized
	case types.ErrForbidden, types.ErrInternalCallerNotAllowed:
		return http.StatusForbidden
	case types.ErrRunNotFound, types.ErrTeamDefinitionNotFound, types.ErrTeamMemberNotFound:
		return http.StatusNotFound
	case types.ErrRunBindingMissing, types.ErrStaleApprovalToken, types.ErrStaleRunVersion,
		types.ErrRunAutoStopped, types.ErrInvocationVersionUnknown:
		return http.StatusConflict
	case types.ErrPlacementViolation, types.ErrCoordinatorMemberUndefined:
		return http.StatusUnprocessableEntity
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrTimeout:
		return http.StatusGatewayTimeout
	case types.ErrServiceUnavailable, types.ErrTeamDispatchUnavailable, types.ErrTeamRuntimeUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrUpstreamError, types.ErrRemoteTargetUnresolvable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 🛡️ 请求校验
// =============================================================================

// requireJSONPost 校验方法为 POST 且 Content-Type 为 application/json
func requireJSONPost(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		WriteError(w, r, types.NewError(types.ErrInvalidRequest, "method not allowed").
			WithHTTPStatus(http.StatusMethodNotAllowed), logger)
		return false
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		WriteError(w, r, types.NewError(types.ErrInvalidRequest, "Content-Type must be application/json").
			WithHTTPStatus(http.StatusUnsupportedMediaType), logger)
		return false
	}
	return true
}

// decodeBody 解码节点间请求体。新版本节点可能带有额外字段，不拒绝未知字段。
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, code types.ErrorCode, logger *zap.Logger) bool {
	if r.Body == nil || r.Body == http.NoBody {
		WriteError(w, r, types.NewError(code, "request body is empty").
			WithHTTPStatus(http.StatusBadRequest), logger)
		return false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		WriteError(w, r, types.NewError(code, "invalid JSON body").
			WithCause(err).
			WithHTTPStatus(status), logger)
		return false
	}
	return true
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 只记录第一次写出的状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
