package events

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
	"github.com/BaSui01/agentteam/distributed/retry"
	"github.com/BaSui01/agentteam/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// Publisher 将远端执行事件上行到 host 节点
type Publisher interface {
	Publish(ctx context.Context, hostNodeID string, ev RemoteExecutionEvent) (IngestResult, error)
}

// UplinkConfig 上行地址解析参数
type UplinkConfig struct {
	LocalNodeID              string
	DiscoveryRegistryURL     string
	DistributedUplinkBaseURL string
}

// HTTPUplink 通过签名 HTTP 请求上行事件
type HTTPUplink struct {
	cfg       UplinkConfig
	directory addressing.DirectoryRewriter
	signer    *auth.Signer
	client    *http.Client
	retryer   *retry.Retryer
	logger    *zap.Logger
}

// NewHTTPUplink 创建 HTTP 上行发布器
func NewHTTPUplink(cfg UplinkConfig, dir addressing.DirectoryRewriter, signer *auth.Signer, client *http.Client, retryer *retry.Retryer, logger *zap.Logger) *HTTPUplink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if retryer == nil {
		retryer = retry.NewRetryer(retry.DefaultPolicy(), logger)
	}
	return &HTTPUplink{
		cfg:       cfg,
		directory: dir,
		signer:    signer,
		client:    client,
		retryer:   retryer,
		logger:    logger.With(zap.String("component", "event_uplink")),
	}
}

// Publish implements Publisher.
func (u *HTTPUplink) Publish(ctx context.Context, hostNodeID string, ev RemoteExecutionEvent) (IngestResult, error) {
	target := addressing.ResolveRemoteTargetForEventUplink(addressing.EventUplinkInput{
		LocalNodeID:              u.cfg.LocalNodeID,
		TargetNodeID:             hostNodeID,
		Directory:                u.directory,
		DiscoveryRegistryURL:     u.cfg.DiscoveryRegistryURL,
		DistributedUplinkBaseURL: u.cfg.DistributedUplinkBaseURL,
	})
	if !target.Resolved {
		return IngestResult{}, types.NewError(types.ErrRemoteTargetUnresolvable,
			fmt.Sprintf("cannot resolve uplink target %q: %s", hostNodeID, target.Reason))
	}
	if target.Rewritten {
		u.logger.Info("uplink target rewritten from loopback",
			zap.String("node_id", hostNodeID),
			zap.String("base_url", target.BaseURL),
		)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return IngestResult{}, fmt.Errorf("encode remote event: %w", err)
	}

	var result IngestResult
	_, err = u.retryer.Execute(ctx, func(ctx context.Context, _ int) error {
		r, err := u.post(ctx, target.BaseURL+EventsPath, body)
		if err == nil {
			result = r
		}
		return err
	})
	return result, err
}

func (u *HTTPUplink) post(ctx context.Context, url string, body []byte) (IngestResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return IngestResult{}, retry.MarkFatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	if u.signer != nil {
		if err := u.signer.Sign(req, body); err != nil {
			return IngestResult{}, retry.MarkFatal(err)
		}
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return IngestResult{}, fmt.Errorf("post remote event: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result IngestResult
		if err := json.Unmarshal(respBody, &result); err != nil {
			return IngestResult{Accepted: true}, nil
		}
		return result, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return IngestResult{}, types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("host returned %d", resp.StatusCode)).WithHTTPStatus(resp.StatusCode).WithRetryable(true)
	default:
		return IngestResult{}, retry.MarkFatal(types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("host rejected event with %d: %s", resp.StatusCode, string(respBody))).WithHTTPStatus(resp.StatusCode))
	}
}
