package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/BaSui01/agentteam/distributed/binding"
	"github.com/BaSui01/agentteam/internal/keylock"
	"github.com/BaSui01/agentteam/types"
	"go.uber.org/zap"
)

type runtimeEntry struct {
	team       TeamInstance
	version    int64
	hostNodeID string
}

// runtimes 节点上按运行持有的团队实例，按 teamRunId 串行创建与停止
type runtimes struct {
	teams       TeamProvider
	coordinator *Coordinator
	locks       *keylock.KeyedMutex

	mu      sync.RWMutex
	entries map[string]*runtimeEntry

	logger *zap.Logger
}

func newRuntimes(teams TeamProvider, coordinator *Coordinator, logger *zap.Logger) *runtimes {
	return &runtimes{
		teams:       teams,
		coordinator: coordinator,
		locks:       keylock.New(),
		entries:     make(map[string]*runtimeEntry),
		logger:      logger,
	}
}

func (r *runtimes) get(teamRunID string) (runtimeEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[teamRunID]
	if !ok {
		return runtimeEntry{}, false
	}
	return *e, true
}

// ensure 运行已有实例时只推进版本，否则创建团队并开始跟踪事件流
func (r *runtimes) ensure(ctx context.Context, b binding.RunScopedTeamBinding, hostNodeID string) (runtimeEntry, error) {
	unlock := r.locks.Lock(b.TeamRunID)
	defer unlock()

	r.mu.Lock()
	if e, ok := r.entries[b.TeamRunID]; ok {
		if b.RunVersion > e.version {
			e.version = b.RunVersion
			r.coordinator.UpdateVersion(b.TeamRunID, b.RunVersion)
		}
		out := *e
		r.mu.Unlock()
		return out, nil
	}
	r.mu.Unlock()

	if r.teams == nil {
		return runtimeEntry{}, types.NewError(types.ErrTeamRuntimeUnavailable, "no team provider configured").
			WithHTTPStatus(503).WithRetryable(true)
	}
	team, err := r.teams.CreateTeam(ctx, b)
	if err != nil {
		return runtimeEntry{}, types.NewError(types.ErrTeamRuntimeUnavailable,
			fmt.Sprintf("create team for run %s", b.TeamRunID)).
			WithCause(err).WithHTTPStatus(503).WithRetryable(true)
	}

	e := &runtimeEntry{team: team, version: b.RunVersion, hostNodeID: hostNodeID}
	r.mu.Lock()
	r.entries[b.TeamRunID] = e
	r.mu.Unlock()

	if stream := team.Events(); stream != nil {
		r.coordinator.StartTracking(b.TeamRunID, b.RunVersion, hostNodeID, stream)
	}
	r.logger.Info("runtime team created",
		zap.String("team_run_id", b.TeamRunID),
		zap.Int64("run_version", b.RunVersion),
		zap.String("runtime_team_id", b.RuntimeTeamID),
		zap.Int("members", len(b.MemberBindings)),
	)
	return *e, nil
}

// stop 停止版本不低于实例版本的运行；返回是否真正停止
func (r *runtimes) stop(ctx context.Context, teamRunID string, runVersion int64, reason string) (bool, error) {
	unlock := r.locks.Lock(teamRunID)
	defer unlock()

	r.mu.RLock()
	e, ok := r.entries[teamRunID]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if runVersion < e.version {
		r.logger.Info("stale stop ignored",
			zap.String("team_run_id", teamRunID),
			zap.Int64("run_version", runVersion),
			zap.Int64("current_version", e.version),
		)
		return false, nil
	}

	stopErr := e.team.Stop(ctx, reason)
	if err := r.coordinator.TeardownRun(ctx, teamRunID); err != nil {
		r.logger.Warn("run teardown interrupted", zap.String("team_run_id", teamRunID), zap.Error(err))
	}

	r.mu.Lock()
	delete(r.entries, teamRunID)
	r.mu.Unlock()

	if stopErr != nil {
		r.logger.Warn("team stop reported error", zap.String("team_run_id", teamRunID), zap.Error(stopErr))
	}
	r.logger.Info("runtime team stopped",
		zap.String("team_run_id", teamRunID),
		zap.Int64("run_version", runVersion),
		zap.String("reason", reason),
	)
	return true, nil
}

func (r *runtimes) runIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}
