package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/BaSui01/agentteam/distributed/addressing"
	"github.com/BaSui01/agentteam/distributed/auth"
	"github.com/BaSui01/agentteam/distributed/envelope"
	"github.com/BaSui01/agentteam/distributed/retry"
	"github.com/BaSui01/agentteam/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// CommandsPath worker 侧命令投递端点
const CommandsPath = "/internal/distributed/v1/commands"

const maxResponseBytes = 64 << 10

// HTTPTransport 通过签名 HTTP 请求把信封投递到 worker。
// 4xx 响应与无法解析的目标为致命错误，网络错误、429 与 5xx 可重试。
type HTTPTransport struct {
	directory addressing.DirectoryReader
	signer    *auth.Signer
	client    *http.Client
	logger    *zap.Logger
}

// NewHTTPTransport 创建 HTTP 传输。client 为 nil 时使用 10s 超时的默认客户端。
func NewHTTPTransport(dir addressing.DirectoryReader, signer *auth.Signer, client *http.Client, logger *zap.Logger) *HTTPTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{
		directory: dir,
		signer:    signer,
		client:    client,
		logger:    logger.With(zap.String("component", "http_command_transport")),
	}
}

// SendEnvelope implements Transport.
func (t *HTTPTransport) SendEnvelope(ctx context.Context, nodeID string, env envelope.TeamEnvelope) error {
	target := addressing.ResolveRemoteTargetForCommandDispatch(nodeID, t.directory)
	if !target.Resolved {
		return retry.MarkFatal(types.NewError(types.ErrRemoteTargetUnresolvable,
			fmt.Sprintf("cannot resolve node %q: %s", nodeID, target.Reason)))
	}

	body, err := json.Marshal(env)
	if err != nil {
		return retry.MarkFatal(fmt.Errorf("encode envelope: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.BaseURL+CommandsPath, bytes.NewReader(body))
	if err != nil {
		return retry.MarkFatal(fmt.Errorf("build command request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	if t.signer != nil {
		if err := t.signer.Sign(req, body); err != nil {
			return retry.MarkFatal(fmt.Errorf("sign command request: %w", err))
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send envelope to node %s: %w", nodeID, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result HandleResult
		if err := json.Unmarshal(respBody, &result); err != nil {
			t.logger.Warn("undecodable command response", zap.String("node_id", nodeID), zap.Error(err))
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("node %s returned %d: %s", nodeID, resp.StatusCode, truncate(respBody))).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(true)
	default:
		return retry.MarkFatal(types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("node %s rejected envelope with %d: %s", nodeID, resp.StatusCode, truncate(respBody))).
			WithHTTPStatus(resp.StatusCode))
	}
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
