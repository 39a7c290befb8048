package handlers

import (
	"context"
		"net/http"

	"github.com/BaSui01/agentteam/distributed/bridge"
	"github.com/BaSui01/agentteam/distributed/envelope"
	"github.com/BaSui01/agentteam/distributed/events"
	"github.com/BaSui01/agentteam/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🔗 节点间内部端点
// =============================================================================
// 成功响应直接写出结果结构，不包裹 Response，对端按原始 JSON 解码。

// CommandReceiver worker 侧命令入口
type CommandReceiver interface {
	HandleCommand(ctx context.Context, env envelope.TeamEnvelope) (bridge.HandleResult, error)
}

// EventIngester host 侧远端事件摄取入口
type EventIngester interface {
	Ingest(ctx context.Context, ev events.RemoteExecutionEvent) (events.IngestResult, error)
}

// CommandHandler 处理 POST /internal/distributed/v1/commands
type CommandHandler struct {
	receiver CommandReceiver
	logger   *zap.Logger
}

// NewCommandHandler 创建命令投递处理器
func NewCommandHandler(receiver CommandReceiver, logger *zap.Logger) *CommandHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandHandler{
		receiver: receiver,
		logger:   logger.With(zap.String("handler", "commands")),
	}
}

// ServeHTTP implements http.Handler.
func (h *CommandHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireJSONPost(w, r, h.logger) {
		return
	}

	var env envelope.TeamEnvelope
	if !decodeBody(w, r, &env, types.ErrInvalidEnvelope, h.logger) {
		return
	}

	result, err := h.receiver.HandleCommand(r.Context(), env)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// EventHandler 处理 POST /internal/distributed/v1/events
type EventHandler struct {
	ingester EventIngester
	logger   *zap.Logger
}

// NewEventHandler 创建远端事件接收处理器
func NewEventHandler(ingester EventIngester, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{
		ingester: ingester,
		logger:   logger.With(zap.String("handler", "events")),
	}
}

// ServeHTTP implements http.Handler.
func (h *EventHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireJSONPost(w, r, h.logger) {
		return
	}

	var ev events.RemoteExecutionEvent
	if !decodeBody(w, r, &ev, types.ErrInvalidRequest, h.logger) {
		return
	}

	result, err := h.ingester.Ingest(r.Context(), ev)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusAccepted, result)
}
