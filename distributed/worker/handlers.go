package worker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/BaSui01/agentteam/distributed/binding"
	"github.com/BaSui01/agentteam/distributed/envelope"
	"github.com/BaSui01/agentteam/types"
	"go.uber.org/zap"
)

// Handlers 远端信封命令处理器，实现 bridge.CommandExecutor。
// 低于已绑定版本的命令被丢弃并视为已处理。
type Handlers struct {
	nodeID   string
	bindings *binding.Registry
	runtimes *runtimes
	primary  delivery

	logger *zap.Logger
}

// HandlerOption 可选配置
type HandlerOption func(*Handlers)

// WithLocalIngress 命令优先经 worker 本地入口投递
func WithLocalIngress(ingress LocalIngress) HandlerOption {
	return func(h *Handlers) {
		if ingress != nil {
			h.primary = localIngressDelivery{ingress: ingress}
		}
	}
}

// NewHandlers 创建命令处理器
func NewHandlers(nodeID string, bindings *binding.Registry, teams TeamProvider, coordinator *Coordinator, logger *zap.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bindings == nil {
		bindings = binding.NewRegistry(logger)
	}
	if coordinator == nil {
		coordinator = NewCoordinator(nodeID, nil, nil, nil, logger)
	}
	logger = logger.With(zap.String("component", "remote_envelope_handlers"), zap.String("node_id", nodeID))
	h := &Handlers{
		nodeID:   nodeID,
		bindings: bindings,
		runtimes: newRuntimes(teams, coordinator, logger),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ExecuteCommand implements bridge.CommandExecutor.
func (h *Handlers) ExecuteCommand(ctx context.Context, env envelope.TeamEnvelope) error {
	ctx = types.WithTeamRunID(ctx, env.TeamRunID)
	switch env.Kind {
	case envelope.KindRunBootstrap:
		return h.handleBootstrap(ctx, env)
	case envelope.KindControlStop:
		return h.handleStop(ctx, env)
	case envelope.KindUserMessage:
		p, err := envelope.DecodePayload[envelope.UserMessagePayload](env)
		if err != nil {
			return invalidEnvelope(err)
		}
		return h.handleMemberCommand(ctx, env, p.TargetMemberName, command{kind: env.Kind, payload: p})
	case envelope.KindInterAgentMessageRequest:
		p, err := envelope.DecodePayload[envelope.InterAgentMessagePayload](env)
		if err != nil {
			return invalidEnvelope(err)
		}
		return h.handleMemberCommand(ctx, env, p.RecipientMemberName, command{kind: env.Kind, payload: p})
	case envelope.KindToolApproval:
		p, err := envelope.DecodePayload[envelope.ToolApprovalPayload](env)
		if err != nil {
			return invalidEnvelope(err)
		}
		if p.InvocationID == "" {
			return invalidEnvelope(fmt.Errorf("tool approval without invocation_id"))
		}
		return h.handleMemberCommand(ctx, env, p.TargetMemberName, command{kind: env.Kind, payload: p})
	default:
		return invalidEnvelope(fmt.Errorf("unsupported envelope kind %q", env.Kind))
	}
}

// LocalDispatcher 返回共享本节点团队实例的 host 本地调度器
func (h *Handlers) LocalDispatcher() *LocalDispatcher {
	return &LocalDispatcher{handlers: h}
}

// ActiveRuns 本节点持有团队实例的运行
func (h *Handlers) ActiveRuns() []string {
	return h.runtimes.runIDs()
}

// =============================================================================
// 📥 信封处理
// =============================================================================

func (h *Handlers) handleBootstrap(ctx context.Context, env envelope.TeamEnvelope) error {
	p, err := envelope.DecodePayload[envelope.RunBootstrapPayload](env)
	if err != nil {
		return invalidEnvelope(err)
	}
	b, err := binding.Decode(p.Binding)
	if err != nil {
		return invalidEnvelope(err)
	}
	if b.TeamRunID != env.TeamRunID || b.RunVersion != env.RunVersion {
		return invalidEnvelope(fmt.Errorf("binding %s@%d does not match envelope %s@%d",
			b.TeamRunID, b.RunVersion, env.TeamRunID, env.RunVersion))
	}
	if p.HostNodeID == "" {
		return invalidEnvelope(fmt.Errorf("bootstrap without host_node_id"))
	}

	cur, ok := h.bindings.CurrentVersion(env.TeamRunID)
	switch {
	case ok && cur > env.RunVersion:
		h.dropStale(env, cur)
		return nil
	case !ok || cur < env.RunVersion:
		if err := h.bindings.Bind(b); err != nil {
			return fmt.Errorf("bind run %s: %w", env.TeamRunID, err)
		}
	}

	_, err = h.runtimes.ensure(ctx, b, p.HostNodeID)
	return err
}

func (h *Handlers) handleStop(ctx context.Context, env envelope.TeamEnvelope) error {
	p, err := envelope.DecodePayload[envelope.ControlStopPayload](env)
	if err != nil {
		return invalidEnvelope(err)
	}
	cur, ok := h.bindings.CurrentVersion(env.TeamRunID)
	if !ok {
		h.logger.Debug("stop for unknown run ignored", zap.String("team_run_id", env.TeamRunID))
		return nil
	}
	if env.RunVersion < cur {
		h.dropStale(env, cur)
		return nil
	}

	if _, err := h.runtimes.stop(ctx, env.TeamRunID, env.RunVersion, p.Reason); err != nil {
		return err
	}
	h.bindings.Unbind(env.TeamRunID)
	return nil
}

func (h *Handlers) handleMemberCommand(ctx context.Context, env envelope.TeamEnvelope, member string, cmd command) error {
	cur, ok := h.bindings.CurrentVersion(env.TeamRunID)
	if ok && env.RunVersion < cur {
		h.dropStale(env, cur)
		return nil
	}
	if !ok || env.RunVersion > cur {
		return types.NewError(types.ErrRunBindingMissing,
			fmt.Sprintf("run %s@%d is not bound on node %s", env.TeamRunID, env.RunVersion, h.nodeID)).
			WithHTTPStatus(http.StatusConflict)
	}
	if _, err := h.bindings.ResolveMember(env.TeamRunID, member); err != nil {
		return types.NewError(types.ErrTeamMemberNotFound,
			fmt.Sprintf("member %q is not bound in run %s", member, env.TeamRunID)).
			WithCause(err).
			WithHTTPStatus(http.StatusNotFound)
	}

	entry, ok := h.runtimes.get(env.TeamRunID)
	if !ok {
		return types.NewError(types.ErrTeamRuntimeUnavailable,
			fmt.Sprintf("run %s has no runtime team on node %s", env.TeamRunID, h.nodeID)).
			WithHTTPStatus(http.StatusServiceUnavailable).
			WithRetryable(true)
	}
	return h.deliver(ctx, env.TeamRunID, entry, cmd)
}

func (h *Handlers) deliver(ctx context.Context, teamRunID string, entry runtimeEntry, cmd command) error {
	viaIngress, err := deliverChain(ctx, h.primary, teamRunID, entry.team, cmd)
	if err != nil {
		return types.NewError(types.ErrTeamRuntimeUnavailable,
			fmt.Sprintf("deliver %s to run %s", cmd.kind, teamRunID)).
			WithCause(err).
			WithHTTPStatus(http.StatusServiceUnavailable).
			WithRetryable(true)
	}
	h.logger.Debug("command delivered",
		zap.String("team_run_id", teamRunID),
		zap.String("kind", string(cmd.kind)),
		zap.Bool("handled_by_worker_local_ingress", viaIngress),
	)
	return nil
}

func (h *Handlers) dropStale(env envelope.TeamEnvelope, current int64) {
	h.logger.Info("stale envelope dropped",
		zap.String("envelope_id", env.EnvelopeID),
		zap.String("team_run_id", env.TeamRunID),
		zap.String("kind", string(env.Kind)),
		zap.Int64("run_version", env.RunVersion),
		zap.Int64("current_version", current),
	)
}

func invalidEnvelope(err error) error {
	return types.NewError(types.ErrInvalidEnvelope, err.Error()).
		WithCause(err).
		WithHTTPStatus(http.StatusBadRequest)
}
