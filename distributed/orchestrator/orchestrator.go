package orchestrator

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/BaSui01/agentteam/distributed/binding"
	"github.com/BaSui01/agentteam/distributed/degradation"
	"github.com/BaSui01/agentteam/distributed/directory"
	"github.com/BaSui01/agentteam/distributed/envelope"
	"github.com/BaSui01/agentteam/distributed/journal"
	"github.com/BaSui01/agentteam/distributed/placement"
	"github.com/BaSui01/agentteam/distributed/routing"
	"github.com/BaSui01/agentteam/internal/keylock"
	"github.com/BaSui01/agentteam/internal/metrics"
	"github.com/BaSui01/agentteam/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RunFinalizer 释放运行的事件聚合状态
type RunFinalizer interface {
	FinalizeRun(teamRunID string)
}

// Options 编排器依赖
type Options struct {
	// LocalNodeID 本 host 节点
	LocalNodeID    string
	RoutingFactory routing.Factory
	Bindings       *binding.Registry
	Aggregator     RunFinalizer
	Degradation    degradation.Config
	Journal        journal.Journal
	Metrics        *metrics.Collector

	// StopTimeout 停止广播的超时，不受调用方 ctx 取消影响
	StopTimeout time.Duration
	// AutoStoppedRetention 自动停止的运行 ID 保留多久以返回 RUN_AUTO_STOPPED
	AutoStoppedRetention time.Duration

	Now      func() time.Time
	NewRunID func() string
}

// StartRunInput 启动运行参数
type StartRunInput struct {
	// TeamID 逻辑团队 ID，同时作为运行时团队 ID
	TeamID        string
	Definition    TeamDefinition
	HostNodeID    string
	NodeSnapshots []directory.Entry
	// DefaultNodeID 无放置提示成员的落点，空则为 HostNodeID
	DefaultNodeID string
}

type runState struct {
	teamID     string
	record     TeamRunRecord
	definition TeamDefinition
	port       routing.Port
}

// Orchestrator 团队运行编排器：放置、派发、降级与停止。
// 同一运行的写操作按 teamRunId 串行，不同运行互不阻塞。
type Orchestrator struct {
	opts   Options
	policy *degradation.Policy
	locks  *keylock.KeyedMutex

	mu          sync.RWMutex
	runs        map[string]*runState
	byTeam      map[string]string
	autoStopped map[string]time.Time

	// 团队最近一次被自动停止的运行；存在时不再为该团队隐式创建新运行
	stoppedTeams map[string]string

	logger *zap.Logger
}

// New 创建编排器
func New(opts Options, logger *zap.Logger) (*Orchestrator, error) {
	if opts.RoutingFactory == nil {
		return nil, fmt.Errorf("orchestrator: routing factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Bindings == nil {
		opts.Bindings = binding.NewRegistry(logger)
	}
	if opts.Journal == nil {
		opts.Journal = journal.Nop{}
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.AutoStoppedRetention <= 0 {
		opts.AutoStoppedRetention = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewRunID == nil {
		opts.NewRunID = func() string { return "team_run_" + uuid.NewString() }
	}
	return &Orchestrator{
		opts:         opts,
		policy:       degradation.NewPolicy(opts.Degradation),
		locks:        keylock.New(),
		runs:         make(map[string]*runState),
		byTeam:       make(map[string]string),
		autoStopped:  make(map[string]time.Time),
		stoppedTeams: make(map[string]string),
		logger:       logger.With(zap.String("component", "team_run_orchestrator")),
	}, nil
}

// =============================================================================
// 🚀 启动与重新绑定
// =============================================================================

// StartRunIfMissing 团队已有运行时直接返回；否则校验放置、分配运行 ID（版本 1）并创建运行。
// created 表示是否新建。
func (o *Orchestrator) StartRunIfMissing(ctx context.Context, in StartRunInput) (TeamRunRecord, bool, error) {
	if in.TeamID == "" {
		return TeamRunRecord{}, false, types.NewError(types.ErrInvalidRequest, "team id is required").WithHTTPStatus(400)
	}
	unlock := o.locks.Lock("team:" + in.TeamID)
	defer unlock()

	if rec, ok := o.GetRunByTeamID(in.TeamID); ok {
		return rec, false, nil
	}
	if stoppedRunID, ok := o.AutoStoppedRun(in.TeamID); ok {
		return TeamRunRecord{}, false, types.NewError(types.ErrRunAutoStopped,
			fmt.Sprintf("team %s run %s was auto-stopped; clear it before starting a new run", in.TeamID, stoppedRunID)).
			WithHTTPStatus(409)
	}

	def := in.Definition
	if !hasMember(def, def.CoordinatorMemberName) {
		return TeamRunRecord{}, false, types.NewError(types.ErrCoordinatorMemberUndefined,
			fmt.Sprintf("coordinator member %q is not defined in team %s", def.CoordinatorMemberName, def.TeamDefinitionID)).
			WithHTTPStatus(422)
	}
	hostNodeID := in.HostNodeID
	if hostNodeID == "" {
		hostNodeID = o.opts.LocalNodeID
	}
	defaultNodeID := in.DefaultNodeID
	if defaultNodeID == "" {
		defaultNodeID = hostNodeID
	}

	placementByMember, err := planPlacement(def, in.NodeSnapshots, hostNodeID, defaultNodeID)
	if err != nil {
		o.logger.Warn("placement rejected",
			zap.String("team_id", in.TeamID),
			zap.String("team_definition_id", def.TeamDefinitionID),
			zap.Error(err),
		)
		return TeamRunRecord{}, false, fmt.Errorf("start run for team %s: %w", in.TeamID, err)
	}

	now := o.opts.Now()
	teamRunID := o.opts.NewRunID()
	const runVersion int64 = 1

	port, err := o.bindAndRoute(def, in.TeamID, teamRunID, runVersion, hostNodeID, placementByMember, now)
	if err != nil {
		return TeamRunRecord{}, false, err
	}

	st := &runState{
		teamID:     in.TeamID,
		definition: def,
		port:       port,
		record: TeamRunRecord{
			TeamRunID:             teamRunID,
			TeamDefinitionID:      def.TeamDefinitionID,
			RuntimeTeamID:         in.TeamID,
			HostNodeID:            hostNodeID,
			RunVersion:            runVersion,
			Status:                degradation.StatusActive,
			CoordinatorMemberName: def.CoordinatorMemberName,
			PlacementByMember:     placementByMember,
			Failures:              degradation.NewCounters(),
			CreatedAt:             now,
			UpdatedAt:             now,
		},
	}

	o.mu.Lock()
	o.runs[teamRunID] = st
	o.byTeam[in.TeamID] = teamRunID
	o.mu.Unlock()

	o.logger.Info("team run started",
		zap.String("team_id", in.TeamID),
		zap.String("team_run_id", teamRunID),
		zap.String("host_node_id", hostNodeID),
		zap.Any("placement", placementByMember),
	)
	o.record(ctx, st, journal.TransitionStarted, "")
	return st.record.clone(), true, nil
}

// RebindRun 以新的节点快照重新计算放置，运行版本加一并替换绑定与路由。
// 不再承载成员的节点收到旧版本的 CONTROL_STOP。
func (o *Orchestrator) RebindRun(ctx context.Context, teamRunID string, nodeSnapshots []directory.Entry) (TeamRunRecord, error) {
	unlock := o.locks.Lock(teamRunID)
	defer unlock()

	st, code := o.lookup(teamRunID)
	if st == nil {
		return TeamRunRecord{}, types.NewError(code, fmt.Sprintf("run %s is not active", teamRunID)).WithHTTPStatus(404)
	}
	old := st.record

	placementByMember, err := planPlacement(st.definition, nodeSnapshots, old.HostNodeID, old.HostNodeID)
	if err != nil {
		return TeamRunRecord{}, fmt.Errorf("rebind run %s: %w", teamRunID, err)
	}

	now := o.opts.Now()
	newVersion := old.RunVersion + 1
	port, err := o.bindAndRoute(st.definition, st.teamID, teamRunID, newVersion, old.HostNodeID, placementByMember, now)
	if err != nil {
		return TeamRunRecord{}, err
	}

	stillUsed := make(map[string]bool, len(placementByMember))
	for _, node := range placementByMember {
		stillUsed[node] = true
	}
	dropped := make(map[string]string)
	for member, node := range old.PlacementByMember {
		if !stillUsed[node] {
			dropped[member] = node
		}
	}
	if len(dropped) > 0 {
		o.stopNodes(ctx, old, dropped)
	}

	o.mu.Lock()
	st.port = port
	st.record.RunVersion = newVersion
	st.record.PlacementByMember = placementByMember
	st.record.Failures = degradation.NewCounters()
	st.record.Status = degradation.StatusActive
	st.record.UpdatedAt = now
	rec := st.record.clone()
	o.mu.Unlock()

	o.logger.Info("team run rebound",
		zap.String("team_run_id", teamRunID),
		zap.Int64("run_version", newVersion),
		zap.Any("placement", placementByMember),
	)
	o.record(ctx, st, journal.TransitionRebound, fmt.Sprintf("from version %d", old.RunVersion))
	return rec, nil
}

func (o *Orchestrator) bindAndRoute(def TeamDefinition, teamID, teamRunID string, runVersion int64, hostNodeID string, placementByMember map[string]string, now time.Time) (routing.Port, error) {
	b := buildBinding(def, teamID, teamRunID, runVersion, now)
	if err := o.opts.Bindings.Bind(b); err != nil {
		return nil, fmt.Errorf("bind run %s: %w", teamRunID, err)
	}
	raw, err := b.Encode()
	if err != nil {
		o.opts.Bindings.Unbind(teamRunID)
		return nil, err
	}
	port, err := o.opts.RoutingFactory(routing.Config{
		TeamRunID:         teamRunID,
		RunVersion:        runVersion,
		LocalNodeID:       o.opts.LocalNodeID,
		PlacementByMember: placementByMember,
		Bootstrap:         &envelope.RunBootstrapPayload{HostNodeID: hostNodeID, Binding: raw},
	})
	if err != nil {
		o.opts.Bindings.Unbind(teamRunID)
		return nil, fmt.Errorf("build routing for run %s: %w", teamRunID, err)
	}
	return port, nil
}

// stopNodes 用旧版本路由向指定成员所在节点发送 CONTROL_STOP
func (o *Orchestrator) stopNodes(ctx context.Context, old TeamRunRecord, members map[string]string) {
	port, err := o.opts.RoutingFactory(routing.Config{
		TeamRunID:         old.TeamRunID,
		RunVersion:        old.RunVersion,
		LocalNodeID:       o.opts.LocalNodeID,
		PlacementByMember: members,
	})
	if err != nil {
		o.logger.Warn("cannot build stop routing", zap.String("team_run_id", old.TeamRunID), zap.Error(err))
		return
	}
	o.broadcastStop(ctx, old.TeamRunID, port, "rebind")
}

func (o *Orchestrator) broadcastStop(ctx context.Context, teamRunID string, port routing.Port, reason string) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.StopTimeout)
	defer cancel()
	if err := port.DispatchControlStop(stopCtx, envelope.ControlStopPayload{Reason: reason}); err != nil {
		o.logger.Warn("control stop broadcast incomplete",
			zap.String("team_run_id", teamRunID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}

// =============================================================================
// 📨 派发
// =============================================================================

// DispatchUserMessage 向成员派发用户消息，目标为空时发给协调者
func (o *Orchestrator) DispatchUserMessage(ctx context.Context, teamRunID string, p envelope.UserMessagePayload) (DispatchResult, error) {
	return o.dispatch(ctx, teamRunID, &p.TargetMemberName, func(port routing.Port) error {
		return port.DispatchUserMessage(ctx, p)
	})
}

// DispatchInterAgentMessage 派发成员间消息，接收者为空时发给协调者
func (o *Orchestrator) DispatchInterAgentMessage(ctx context.Context, teamRunID string, p envelope.InterAgentMessagePayload) (DispatchResult, error) {
	return o.dispatch(ctx, teamRunID, &p.RecipientMemberName, func(port routing.Port) error {
		return port.DispatchInterAgentMessage(ctx, p)
	})
}

// DispatchToolApproval 派发工具审批
func (o *Orchestrator) DispatchToolApproval(ctx context.Context, teamRunID string, p envelope.ToolApprovalPayload) (DispatchResult, error) {
	return o.dispatch(ctx, teamRunID, &p.TargetMemberName, func(port routing.Port) error {
		return port.DispatchToolApproval(ctx, p)
	})
}

// dispatch 在运行锁内调用路由端口。失败计入降级策略；降级后再失败则自动停止运行。
// target 指向负载中的目标成员字段，为空时填入协调者。
func (o *Orchestrator) dispatch(ctx context.Context, teamRunID string, target *string, call func(routing.Port) error) (DispatchResult, error) {
	unlock := o.locks.Lock(teamRunID)
	defer unlock()

	st, code := o.lookup(teamRunID)
	if st == nil {
		return DispatchResult{TeamRunID: teamRunID, ErrorCode: code}, nil
	}

	o.mu.RLock()
	coordinator := st.record.CoordinatorMemberName
	port := st.port
	runVersion := st.record.RunVersion
	o.mu.RUnlock()

	if *target == "" {
		*target = coordinator
	}
	isCoordinator := *target == coordinator

	err := call(port)
	now := o.opts.Now()
	if err == nil {
		o.mu.Lock()
		o.policy.RecordSuccess(&st.record.Failures, isCoordinator)
		status := st.record.Status
		o.mu.Unlock()
		return DispatchResult{Accepted: true, TeamRunID: teamRunID, RunVersion: runVersion, Status: status}, nil
	}

	if types.IsErrorCode(err, types.ErrTeamMemberNotFound) {
		return DispatchResult{TeamRunID: teamRunID, RunVersion: runVersion, ErrorCode: types.ErrTeamMemberNotFound}, err
	}

	o.mu.Lock()
	decision := o.policy.RecordFailure(&st.record.Failures, degradation.Failure{Coordinator: isCoordinator, At: now})
	st.record.Status = st.record.Failures.Status
	st.record.UpdatedAt = now
	status := st.record.Status
	o.mu.Unlock()

	o.logger.Warn("dispatch failed",
		zap.String("team_run_id", teamRunID),
		zap.Int64("run_version", runVersion),
		zap.String("target_member", *target),
		zap.Bool("coordinator", isCoordinator),
		zap.String("decision", string(decision)),
		zap.Error(err),
	)

	dispatchErr := types.NewError(types.ErrTeamDispatchUnavailable,
		fmt.Sprintf("dispatch to member %q failed", *target)).
		WithHTTPStatus(503).
		WithCause(err)

	switch decision {
	case degradation.DecisionDegrade:
		o.record(ctx, st, journal.TransitionDegraded, err.Error())
	case degradation.DecisionAutoStop:
		o.teardown(ctx, st, journal.TransitionAutoStopped, "auto_stop")
		return DispatchResult{TeamRunID: teamRunID, RunVersion: runVersion, ErrorCode: types.ErrRunAutoStopped}, dispatchErr
	}

	return DispatchResult{
		TeamRunID:  teamRunID,
		RunVersion: runVersion,
		ErrorCode:  types.ErrTeamDispatchUnavailable,
		Status:     status,
	}, dispatchErr
}

// =============================================================================
// 🛑 停止
// =============================================================================

// StopRun 显式停止运行：广播 CONTROL_STOP，删除记录并释放绑定与聚合状态
func (o *Orchestrator) StopRun(ctx context.Context, teamRunID, reason string) error {
	unlock := o.locks.Lock(teamRunID)
	defer unlock()

	st, code := o.lookup(teamRunID)
	if st == nil {
		return types.NewError(code, fmt.Sprintf("run %s is not active", teamRunID)).WithHTTPStatus(404)
	}
	if reason == "" {
		reason = "stopped"
	}
	o.teardown(ctx, st, journal.TransitionStopped, reason)
	return nil
}

// teardown 调用方持有运行锁
func (o *Orchestrator) teardown(ctx context.Context, st *runState, transition journal.Transition, reason string) {
	o.mu.RLock()
	teamRunID := st.record.TeamRunID
	port := st.port
	o.mu.RUnlock()

	o.broadcastStop(ctx, teamRunID, port, reason)

	now := o.opts.Now()
	o.mu.Lock()
	delete(o.runs, teamRunID)
	if o.byTeam[st.teamID] == teamRunID {
		delete(o.byTeam, st.teamID)
	}
	if transition == journal.TransitionAutoStopped {
		o.pruneAutoStoppedLocked(now)
		o.autoStopped[teamRunID] = now
		o.stoppedTeams[st.teamID] = teamRunID
	}
	o.mu.Unlock()

	if o.opts.Aggregator != nil {
		o.opts.Aggregator.FinalizeRun(teamRunID)
	}
	o.opts.Bindings.Unbind(teamRunID)

	o.logger.Info("team run torn down",
		zap.String("team_run_id", teamRunID),
		zap.String("transition", string(transition)),
		zap.String("reason", reason),
	)
	o.record(ctx, st, transition, reason)
}

func (o *Orchestrator) pruneAutoStoppedLocked(now time.Time) {
	for id, at := range o.autoStopped {
		if now.Sub(at) > o.opts.AutoStoppedRetention {
			delete(o.autoStopped, id)
		}
	}
	for teamID, id := range o.stoppedTeams {
		if _, ok := o.autoStopped[id]; !ok {
			delete(o.stoppedTeams, teamID)
		}
	}
}

// AutoStoppedRun 返回团队在保留期内被自动停止的运行 ID
func (o *Orchestrator) AutoStoppedRun(teamID string) (string, bool) {
	now := o.opts.Now()
	o.mu.RLock()
	defer o.mu.RUnlock()
	id, ok := o.stoppedTeams[teamID]
	if !ok {
		return "", false
	}
	at, ok := o.autoStopped[id]
	if !ok || now.Sub(at) > o.opts.AutoStoppedRetention {
		return "", false
	}
	return id, true
}

// ClearAutoStop 解除团队的自动停止标记，之后可以为该团队创建新运行。
// 旧运行 ID 仍返回 RUN_AUTO_STOPPED 直到保留期结束。
func (o *Orchestrator) ClearAutoStop(teamID string) bool {
	unlock := o.locks.Lock("team:" + teamID)
	defer unlock()

	o.mu.Lock()
	id, ok := o.stoppedTeams[teamID]
	delete(o.stoppedTeams, teamID)
	o.mu.Unlock()

	if ok {
		o.logger.Info("auto-stop cleared",
			zap.String("team_id", teamID),
			zap.String("team_run_id", id),
		)
	}
	return ok
}

// =============================================================================
// 🔍 查询
// =============================================================================

// lookup 返回活动运行；不存在时返回 RUN_AUTO_STOPPED 或 RUN_NOT_FOUND
func (o *Orchestrator) lookup(teamRunID string) (*runState, types.ErrorCode) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if st, ok := o.runs[teamRunID]; ok {
		return st, ""
	}
	if _, ok := o.autoStopped[teamRunID]; ok {
		return nil, types.ErrRunAutoStopped
	}
	return nil, types.ErrRunNotFound
}

// GetRunRecord 返回运行记录副本
func (o *Orchestrator) GetRunRecord(teamRunID string) (TeamRunRecord, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.runs[teamRunID]
	if !ok {
		return TeamRunRecord{}, false
	}
	return st.record.clone(), true
}

// GetRunByTeamID 返回团队当前活动运行
func (o *Orchestrator) GetRunByTeamID(teamID string) (TeamRunRecord, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	id, ok := o.byTeam[teamID]
	if !ok {
		return TeamRunRecord{}, false
	}
	st, ok := o.runs[id]
	if !ok {
		return TeamRunRecord{}, false
	}
	return st.record.clone(), true
}

// IsAutoStopped 运行是否已被自动停止
func (o *Orchestrator) IsAutoStopped(teamRunID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.autoStopped[teamRunID]
	return ok
}

// CurrentRunVersion 权威的当前运行版本，供栅栏策略使用
func (o *Orchestrator) CurrentRunVersion(_ context.Context, teamRunID string) (int64, bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.runs[teamRunID]
	if !ok {
		return 0, false, nil
	}
	return st.record.RunVersion, true, nil
}

// ActiveRunIDs 返回所有活动运行（有序）
func (o *Orchestrator) ActiveRunIDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Sorted(maps.Keys(o.runs))
}

// StopAll 停止所有活动运行，用于节点关闭
func (o *Orchestrator) StopAll(ctx context.Context, reason string) {
	for _, id := range o.ActiveRunIDs() {
		if err := o.StopRun(ctx, id, reason); err != nil && !types.IsErrorCode(err, types.ErrRunNotFound) {
			o.logger.Warn("stop run failed", zap.String("team_run_id", id), zap.Error(err))
		}
	}
}

func (o *Orchestrator) record(ctx context.Context, st *runState, transition journal.Transition, detail string) {
	o.mu.RLock()
	entry := journal.Entry{
		TeamRunID:        st.record.TeamRunID,
		TeamID:           st.teamID,
		TeamDefinitionID: st.record.TeamDefinitionID,
		RunVersion:       st.record.RunVersion,
		HostNodeID:       st.record.HostNodeID,
		Transition:       transition,
		Detail:           detail,
		OccurredAt:       o.opts.Now(),
	}
	o.mu.RUnlock()

	o.opts.Metrics.RecordRunTransition(string(transition))
	if err := o.opts.Journal.Record(context.WithoutCancel(ctx), entry); err != nil {
		o.logger.Warn("journal write failed",
			zap.String("team_run_id", entry.TeamRunID),
			zap.String("transition", string(transition)),
			zap.Error(err),
		)
	}
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func hasMember(def TeamDefinition, name string) bool {
	if name == "" {
		return false
	}
	for _, m := range def.Members {
		if m.MemberName == name {
			return true
		}
	}
	return false
}

// planPlacement host 节点总是视为已知且可用
func planPlacement(def TeamDefinition, snapshots []directory.Entry, hostNodeID, defaultNodeID string) (map[string]string, error) {
	known := []string{hostNodeID}
	available := []string{hostNodeID}
	for _, e := range snapshots {
		known = append(known, e.NodeID)
		if e.Available() {
			available = append(available, e.NodeID)
		}
	}
	hints := make([]placement.MemberHints, 0, len(def.Members))
	for _, m := range def.Members {
		hints = append(hints, m.Hints())
	}
	return placement.Plan(hints, placement.NewNodeSets(known, available), defaultNodeID)
}

func buildBinding(def TeamDefinition, teamID, teamRunID string, runVersion int64, now time.Time) binding.RunScopedTeamBinding {
	members := make([]binding.MemberBinding, 0, len(def.Members))
	for _, m := range def.Members {
		members = append(members, binding.MemberBinding{
			MemberName:         m.MemberName,
			AgentDefinitionID:  m.AgentDefinitionID,
			LLMModelIdentifier: m.LLMModelIdentifier,
			LLMConfig:          m.LLMConfig,
			WorkspaceID:        m.WorkspaceID,
			MemberRouteKey:     teamID + "/" + m.MemberName,
			AutoExecuteTools:   m.AutoExecuteTools,
			MemoryDir:          m.MemoryDir,
		})
	}
	return binding.RunScopedTeamBinding{
		TeamRunID:        teamRunID,
		RunVersion:       runVersion,
		TeamDefinitionID: def.TeamDefinitionID,
		RuntimeTeamID:    teamID,
		MemberBindings:   members,
		BoundAt:          now,
	}
}
