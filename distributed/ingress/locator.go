package ingress

import (
	"context"
	"fmt"
	"sync"

	"github.com/BaSui01/agentteam/distributed/directory"
	"github.com/BaSui01/agentteam/distributed/orchestrator"
	"github.com/BaSui01/agentteam/types"
	"go.uber.org/zap"
)

// DefinitionProvider 按团队 ID 读取团队定义
type DefinitionProvider interface {
	GetTeamDefinition(ctx context.Context, teamID string) (orchestrator.TeamDefinition, error)
}

// DefinitionProviderFunc 函数适配器
type DefinitionProviderFunc func(ctx context.Context, teamID string) (orchestrator.TeamDefinition, error)

// GetTeamDefinition implements DefinitionProvider.
func (f DefinitionProviderFunc) GetTeamDefinition(ctx context.Context, teamID string) (orchestrator.TeamDefinition, error) {
	return f(ctx, teamID)
}

// StaticDefinitions 内存中的团队定义表
type StaticDefinitions struct {
	mu   sync.RWMutex
	defs map[string]orchestrator.TeamDefinition
}

// NewStaticDefinitions 创建定义表
func NewStaticDefinitions() *StaticDefinitions {
	return &StaticDefinitions{defs: make(map[string]orchestrator.TeamDefinition)}
}

// Put 注册团队定义
func (s *StaticDefinitions) Put(teamID string, def orchestrator.TeamDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[teamID] = def
}

// GetTeamDefinition implements DefinitionProvider.
func (s *StaticDefinitions) GetTeamDefinition(_ context.Context, teamID string) (orchestrator.TeamDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[teamID]
	if !ok {
		return orchestrator.TeamDefinition{}, types.NewError(types.ErrTeamDefinitionNotFound,
			fmt.Sprintf("no team definition for team %s", teamID)).WithHTTPStatus(404)
	}
	return def, nil
}

// NodeLister 节点目录快照
type NodeLister interface {
	List() []directory.Entry
}

// RunStarter Locator 依赖的编排器能力
type RunStarter interface {
	StartRunIfMissing(ctx context.Context, in orchestrator.StartRunInput) (orchestrator.TeamRunRecord, bool, error)
	GetRunByTeamID(teamID string) (orchestrator.TeamRunRecord, bool)
	AutoStoppedRun(teamID string) (string, bool)
	IsAutoStopped(teamRunID string) bool
	ClearAutoStop(teamID string) bool
}

// RunIdentity 团队当前运行的标识
type RunIdentity struct {
	TeamID                string `json:"team_id"`
	TeamRunID             string `json:"team_run_id"`
	RunVersion            int64  `json:"run_version"`
	CoordinatorMemberName string `json:"coordinator_member_name"`
	HostNodeID            string `json:"host_node_id"`
	TeamDefinitionID      string `json:"team_definition_id"`
}

func identityOf(teamID string, rec orchestrator.TeamRunRecord) RunIdentity {
	return RunIdentity{
		TeamID:                teamID,
		TeamRunID:             rec.TeamRunID,
		RunVersion:            rec.RunVersion,
		CoordinatorMemberName: rec.CoordinatorMemberName,
		HostNodeID:            rec.HostNodeID,
		TeamDefinitionID:      rec.TeamDefinitionID,
	}
}

// LocatorConfig Locator 配置
type LocatorConfig struct {
	HostNodeID    string
	DefaultNodeID string
}

// Locator 将逻辑团队 ID 解析为当前运行
type Locator struct {
	cfg    LocatorConfig
	runs   RunStarter
	defs   DefinitionProvider
	nodes  NodeLister
	logger *zap.Logger
}

// NewLocator 创建 Locator
func NewLocator(cfg LocatorConfig, runs RunStarter, defs DefinitionProvider, nodes NodeLister, logger *zap.Logger) *Locator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locator{
		cfg:    cfg,
		runs:   runs,
		defs:   defs,
		nodes:  nodes,
		logger: logger.With(zap.String("component", "team_run_locator")),
	}
}

// ResolveOrCreateRun 返回团队的活动运行，不存在时按当前节点目录创建。
// 团队的上一次运行被自动停止时返回 RUN_AUTO_STOPPED，不会隐式重建。
func (l *Locator) ResolveOrCreateRun(ctx context.Context, teamID string) (RunIdentity, error) {
	if teamID == "" {
		return RunIdentity{}, newError(types.ErrInvalidRequest, teamID, "team id is required", nil)
	}
	if rec, ok := l.runs.GetRunByTeamID(teamID); ok {
		return identityOf(teamID, rec), nil
	}
	if err := l.autoStopped(teamID); err != nil {
		return RunIdentity{}, err
	}

	def, err := l.defs.GetTeamDefinition(ctx, teamID)
	if err != nil {
		return RunIdentity{}, wrap(teamID, "load team definition", err)
	}
	var snapshots []directory.Entry
	if l.nodes != nil {
		snapshots = l.nodes.List()
	}

	rec, created, err := l.runs.StartRunIfMissing(ctx, orchestrator.StartRunInput{
		TeamID:        teamID,
		Definition:    def,
		HostNodeID:    l.cfg.HostNodeID,
		NodeSnapshots: snapshots,
		DefaultNodeID: l.cfg.DefaultNodeID,
	})
	if err != nil {
		return RunIdentity{}, wrap(teamID, "start team run", err)
	}
	if created {
		l.logger.Info("team run created for ingress",
			zap.String("team_id", teamID),
			zap.String("team_run_id", rec.TeamRunID),
		)
	}
	return identityOf(teamID, rec), nil
}

// ResolveActiveRun 返回团队的活动运行，不存在时返回 RUN_AUTO_STOPPED 或 RUN_NOT_FOUND
func (l *Locator) ResolveActiveRun(_ context.Context, teamID string) (RunIdentity, error) {
	rec, ok := l.runs.GetRunByTeamID(teamID)
	if !ok {
		if err := l.autoStopped(teamID); err != nil {
			return RunIdentity{}, err
		}
		return RunIdentity{}, newError(types.ErrRunNotFound, teamID, "no active run", nil)
	}
	return identityOf(teamID, rec), nil
}

// ClearAutoStop 解除团队的自动停止标记，返回之前是否存在
func (l *Locator) ClearAutoStop(teamID string) bool {
	return l.runs.ClearAutoStop(teamID)
}

func (l *Locator) autoStopped(teamID string) *TeamCommandIngressError {
	teamRunID, ok := l.runs.AutoStoppedRun(teamID)
	if !ok {
		return nil
	}
	return newError(types.ErrRunAutoStopped, teamID, fmt.Sprintf("run %s was auto-stopped", teamRunID), nil)
}
