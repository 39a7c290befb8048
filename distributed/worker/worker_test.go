package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/agentteam/distributed/binding"
	"github.com/BaSui01/agentteam/distributed/envelope"
	"github.com/BaSui01/agentteam/distributed/events"
	"github.com/BaSui01/agentteam/internal/localteam"
	"github.com/BaSui01/agentteam/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 测试替身
// =============================================================================

type published struct {
	host string
	ev   events.RemoteExecutionEvent
}

type capturePublisher struct {
	mu   sync.Mutex
	got  []published
	fail bool
}

func (p *capturePublisher) Publish(_ context.Context, host string, ev events.RemoteExecutionEvent) (events.IngestResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, published{host, ev})
	if p.fail {
		return events.IngestResult{}, errors.New("host unreachable")
	}
	return events.IngestResult{Accepted: true}, nil
}

func (p *capturePublisher) snapshot() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.got...)
}

type fakeIngress struct {
	mu      sync.Mutex
	handle  bool
	members []string
}

func (f *fakeIngress) record(member string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members = append(f.members, member)
	return f.handle, nil
}

func (f *fakeIngress) DeliverUserMessage(_ context.Context, _ string, p envelope.UserMessagePayload) (bool, error) {
	return f.record(p.TargetMemberName)
}

func (f *fakeIngress) DeliverInterAgentMessage(_ context.Context, _ string, p envelope.InterAgentMessagePayload) (bool, error) {
	return f.record(p.RecipientMemberName)
}

func (f *fakeIngress) DeliverToolApproval(_ context.Context, _ string, p envelope.ToolApprovalPayload) (bool, error) {
	return f.record(p.TargetMemberName)
}

func providerOf(p *localteam.Provider) TeamProvider {
	return TeamProviderFunc(func(ctx context.Context, b binding.RunScopedTeamBinding) (TeamInstance, error) {
		team, err := p.CreateTeam(ctx, b)
		if err != nil {
			return nil, err
		}
		return team, nil
	})
}

type fixture struct {
	handlers  *Handlers
	coord     *Coordinator
	teams     *localteam.Provider
	bindings  *binding.Registry
	publisher *capturePublisher
	builder   *envelope.Builder
}

func newFixture(t *testing.T, opts ...HandlerOption) *fixture {
	t.Helper()
	pub := &capturePublisher{}
	coord := NewCoordinator("worker-1", pub, nil, nil, zap.NewNop())
	teams := localteam.NewProvider(16, zap.NewNop())
	bindings := binding.NewRegistry(zap.NewNop())
	f := &fixture{
		handlers:  NewHandlers("worker-1", bindings, providerOf(teams), coord, zap.NewNop(), opts...),
		coord:     coord,
		teams:     teams,
		bindings:  bindings,
		publisher: pub,
		builder:   envelope.NewBuilder(),
	}
	t.Cleanup(func() { _ = coord.Close(context.Background()) })
	return f
}

func runBinding(version int64) binding.RunScopedTeamBinding {
	return binding.RunScopedTeamBinding{
		TeamRunID:        "team_run_1",
		RunVersion:       version,
		TeamDefinitionID: "def-1",
		RuntimeTeamID:    "team-a",
		MemberBindings: []binding.MemberBinding{
			{MemberName: "lead", AgentDefinitionID: "agent-lead"},
			{MemberName: "coder", AgentDefinitionID: "agent-coder"},
		},
	}
}

func (f *fixture) env(t *testing.T, version int64, kind envelope.Kind, payload any) envelope.TeamEnvelope {
	t.Helper()
	env, err := f.builder.Build(envelope.BuildInput{TeamRunID: "team_run_1", RunVersion: version, Kind: kind, Payload: payload})
	require.NoError(t, err)
	return env
}

func (f *fixture) bootstrap(t *testing.T, version int64) {
	t.Helper()
	raw, err := runBinding(version).Encode()
	require.NoError(t, err)
	err = f.handlers.ExecuteCommand(context.Background(), f.env(t, version, envelope.KindRunBootstrap,
		envelope.RunBootstrapPayload{HostNodeID: "host-1", Binding: raw}))
	require.NoError(t, err)
}

// =============================================================================
// 📥 Handlers
// =============================================================================

func TestHandlers_BootstrapThenCommandForwardsEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bootstrap(t, 1)
	f.bootstrap(t, 1)
	assert.True(t, f.coord.IsTracking("team_run_1"))
	assert.Equal(t, []string{"team_run_1"}, f.handlers.ActiveRuns())
	v, ok := f.bindings.CurrentVersion("team_run_1")
	require.True(t, ok)
	assert.Equal(t, int64(1), v)

	err := f.handlers.ExecuteCommand(ctx, f.env(t, 1, envelope.KindUserMessage,
		envelope.UserMessagePayload{TargetMemberName: "lead", Content: "hello"}))
	require.NoError(t, err)

	team, ok := f.teams.Team("team_run_1")
	require.True(t, ok)
	require.Len(t, team.Deliveries(), 1)

	require.Eventually(t, func() bool { return len(f.publisher.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	got := f.publisher.snapshot()[0]
	assert.Equal(t, "host-1", got.host)
	assert.Equal(t, "worker-1", got.ev.SourceNodeID)
	assert.Equal(t, int64(1), got.ev.RunVersion)
	assert.Equal(t, localteam.EventMessageReceived, got.ev.EventType)
	assert.NotEmpty(t, got.ev.SourceEventID)
}

func TestHandlers_CommandWithoutBinding(t *testing.T) {
	f := newFixture(t)

	err := f.handlers.ExecuteCommand(context.Background(), f.env(t, 1, envelope.KindUserMessage,
		envelope.UserMessagePayload{TargetMemberName: "lead", Content: "x"}))
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrRunBindingMissing))
	var te *types.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusConflict, te.HTTPStatus)
}

func TestHandlers_StaleCommandDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bootstrap(t, 1)
	f.bootstrap(t, 2)

	err := f.handlers.ExecuteCommand(ctx, f.env(t, 1, envelope.KindUserMessage,
		envelope.UserMessagePayload{TargetMemberName: "lead", Content: "old"}))
	require.NoError(t, err)

	team, ok := f.teams.Team("team_run_1")
	require.True(t, ok)
	assert.Empty(t, team.Deliveries())

	// 旧版本的 bootstrap 与 stop 同样被丢弃
	raw, err := runBinding(1).Encode()
	require.NoError(t, err)
	require.NoError(t, f.handlers.ExecuteCommand(ctx, f.env(t, 1, envelope.KindRunBootstrap,
		envelope.RunBootstrapPayload{HostNodeID: "host-1", Binding: raw})))
	require.NoError(t, f.handlers.ExecuteCommand(ctx, f.env(t, 1, envelope.KindControlStop, envelope.ControlStopPayload{})))
	assert.True(t, f.coord.IsTracking("team_run_1"))
	v, _ := f.bindings.CurrentVersion("team_run_1")
	assert.Equal(t, int64(2), v)
}

func TestHandlers_UnknownMemberAndInvalidPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bootstrap(t, 1)

	err := f.handlers.ExecuteCommand(ctx, f.env(t, 1, envelope.KindInterAgentMessageRequest,
		envelope.InterAgentMessagePayload{RecipientMemberName: "ghost", Content: "x"}))
	assert.True(t, types.IsErrorCode(err, types.ErrTeamMemberNotFound))

	err = f.handlers.ExecuteCommand(ctx, f.env(t, 1, envelope.KindToolApproval,
		envelope.ToolApprovalPayload{TargetMemberName: "lead"}))
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidEnvelope))

	raw, err := runBinding(3).Encode()
	require.NoError(t, err)
	err = f.handlers.ExecuteCommand(ctx, f.env(t, 2, envelope.KindRunBootstrap,
		envelope.RunBootstrapPayload{HostNodeID: "host-1", Binding: raw}))
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidEnvelope))
}

func TestHandlers_ControlStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 未知运行的停止是空操作
	require.NoError(t, f.handlers.ExecuteCommand(ctx, f.env(t, 1, envelope.KindControlStop, envelope.ControlStopPayload{})))

	f.bootstrap(t, 1)
	team, ok := f.teams.Team("team_run_1")
	require.True(t, ok)

	require.NoError(t, f.handlers.ExecuteCommand(ctx, f.env(t, 1, envelope.KindControlStop,
		envelope.ControlStopPayload{Reason: "auto_stop"})))
	assert.True(t, team.Stopped())
	assert.False(t, f.coord.IsTracking("team_run_1"))
	assert.Empty(t, f.handlers.ActiveRuns())
	_, bound := f.bindings.Get("team_run_1")
	assert.False(t, bound)

	var kinds []string
	for _, p := range f.publisher.snapshot() {
		kinds = append(kinds, p.ev.EventType)
	}
	assert.Contains(t, kinds, localteam.EventTeamStopped)
}

func TestHandlers_LocalIngressStrategy(t *testing.T) {
	ingress := &fakeIngress{handle: true}
	f := newFixture(t, WithLocalIngress(ingress))
	ctx := context.Background()
	f.bootstrap(t, 1)

	require.NoError(t, f.handlers.ExecuteCommand(ctx, f.env(t, 1, envelope.KindUserMessage,
		envelope.UserMessagePayload{TargetMemberName: "lead", Content: "a"})))
	team, _ := f.teams.Team("team_run_1")
	assert.Empty(t, team.Deliveries())

	ingress.mu.Lock()
	ingress.handle = false
	ingress.mu.Unlock()
	require.NoError(t, f.handlers.ExecuteCommand(ctx, f.env(t, 1, envelope.KindUserMessage,
		envelope.UserMessagePayload{TargetMemberName: "coder", Content: "b"})))
	assert.Len(t, team.Deliveries(), 1)
	assert.Equal(t, []string{"lead", "coder"}, ingress.members)
}

func TestHandlers_TeamCreationFailureIsRetryable(t *testing.T) {
	calls := 0
	provider := TeamProviderFunc(func(context.Context, binding.RunScopedTeamBinding) (TeamInstance, error) {
		calls++
		return nil, errors.New("runtime warming up")
	})
	h := NewHandlers("worker-1", nil, provider, nil, zap.NewNop())
	raw, err := runBinding(1).Encode()
	require.NoError(t, err)
	env, err := envelope.NewBuilder().Build(envelope.BuildInput{
		TeamRunID: "team_run_1", RunVersion: 1, Kind: envelope.KindRunBootstrap,
		Payload: envelope.RunBootstrapPayload{HostNodeID: "host-1", Binding: raw},
	})
	require.NoError(t, err)

	err = h.ExecuteCommand(context.Background(), env)
	assert.True(t, types.IsErrorCode(err, types.ErrTeamRuntimeUnavailable))
	assert.True(t, types.IsRetryable(err))

	err = h.ExecuteCommand(context.Background(), env)
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

// =============================================================================
// 🏠 LocalDispatcher
// =============================================================================

func TestLocalDispatcher_CreatesTeamFromSharedBinding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	local := f.handlers.LocalDispatcher()

	err := local.DispatchUserMessage(ctx, "team_run_1", 1, envelope.UserMessagePayload{TargetMemberName: "lead"})
	assert.True(t, types.IsErrorCode(err, types.ErrRunBindingMissing))

	require.NoError(t, f.bindings.Bind(runBinding(1)))
	require.NoError(t, local.DispatchUserMessage(ctx, "team_run_1", 1, envelope.UserMessagePayload{TargetMemberName: "lead", Content: "x"}))
	require.NoError(t, local.DispatchToolApproval(ctx, "team_run_1", 1, envelope.ToolApprovalPayload{
		TargetMemberName: "coder", InvocationID: "inv", InvocationVersion: 1, Approved: true,
	}))

	team, ok := f.teams.Team("team_run_1")
	require.True(t, ok)
	assert.Len(t, team.Deliveries(), 2)
	assert.True(t, f.coord.IsTracking("team_run_1"))

	require.NoError(t, f.bindings.Bind(runBinding(2)))
	err = local.DispatchUserMessage(ctx, "team_run_1", 1, envelope.UserMessagePayload{TargetMemberName: "lead"})
	assert.True(t, types.IsErrorCode(err, types.ErrStaleRunVersion))
	require.NoError(t, local.DispatchUserMessage(ctx, "team_run_1", 2, envelope.UserMessagePayload{TargetMemberName: "lead"}))

	// 低于实例版本的停止被忽略
	require.NoError(t, local.DispatchControlStop(ctx, "team_run_1", 1, envelope.ControlStopPayload{}))
	assert.False(t, team.Stopped())

	require.NoError(t, local.DispatchControlStop(ctx, "team_run_1", 2, envelope.ControlStopPayload{Reason: "stopped"}))
	assert.True(t, team.Stopped())
	_, bound := f.bindings.Get("team_run_1")
	assert.True(t, bound)
}

// =============================================================================
// 🔁 Coordinator
// =============================================================================

func TestCoordinator_PublishFailureDoesNotStopLoop(t *testing.T) {
	pub := &capturePublisher{fail: true}
	coord := NewCoordinator("worker-1", pub, nil, nil, zap.NewNop())
	stream := events.NewChannelStream(4)
	ctx := context.Background()

	assert.True(t, coord.StartTracking("run-x", 1, "host-1", stream))
	assert.False(t, coord.StartTracking("run-x", 3, "host-1", stream))

	require.NoError(t, stream.Send(ctx, events.TeamEvent{EventType: "a", MemberName: "lead"}))
	require.NoError(t, stream.Send(ctx, events.TeamEvent{EventType: "b", MemberName: "lead"}))

	require.NoError(t, coord.TeardownRun(ctx, "run-x"))
	got := pub.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[1].ev.RunVersion)
	assert.False(t, coord.IsTracking("run-x"))
	assert.NoError(t, coord.TeardownRun(ctx, "run-x"))
}

func TestCoordinator_ProjectorCanFilter(t *testing.T) {
	pub := &capturePublisher{}
	project := func(id string, v int64, ev events.TeamEvent) (events.RemoteExecutionEvent, bool) {
		if ev.EventType == "debug" {
			return events.RemoteExecutionEvent{}, false
		}
		return DefaultProjector("worker-1")(id, v, ev)
	}
	coord := NewCoordinator("worker-1", pub, project, nil, zap.NewNop())
	stream := events.NewChannelStream(4)
	ctx := context.Background()
	coord.StartTracking("run-y", 1, "host-1", stream)

	require.NoError(t, stream.Send(ctx, events.TeamEvent{EventID: "e1", EventType: "debug"}))
	require.NoError(t, stream.Send(ctx, events.TeamEvent{EventID: "e2", EventType: "agent.message"}))
	require.NoError(t, coord.Close(ctx))

	got := pub.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "e2", got[0].ev.SourceEventID)
	assert.Empty(t, coord.TrackedRuns())
}
