package auth

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/BaSui01/agentteam/types"
	"go.uber.org/zap"
)

// maxSignedBodyBytes 单个内部请求体上限
const maxSignedBodyBytes = 4 << 20

// Middleware 校验内部请求签名，并把调用方节点写入请求上下文。
// 请求体被完整读取后重新放回，下游处理器可以照常解码。
func Middleware(v *Verifier, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes+1))
			if err != nil {
				writeAuthError(w, http.StatusBadRequest, types.ErrInvalidRequest, "failed to read request body")
				return
			}
			if len(body) > maxSignedBodyBytes {
				writeAuthError(w, http.StatusRequestEntityTooLarge, types.ErrInvalidRequest, "request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			caller, err := v.Verify(r, body)
			if err != nil {
				logger.Warn("internal request rejected",
					zap.String("path", r.URL.Path),
					zap.String("caller_node_id", r.Header.Get(HeaderNodeID)),
					zap.Error(err),
				)
				writeAuthError(w, StatusOf(err), types.GetErrorCode(err), err.Error())
				return
			}

			ctx := r.Context()
			if caller != "" {
				ctx = types.WithCallerNodeID(ctx, caller)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, code types.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"success":false,"error":{"code":%q,"message":%q}}`, string(code), message)
}
