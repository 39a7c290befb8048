package routing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/BaSui01/agentteam/distributed/envelope"
	"github.com/BaSui01/agentteam/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type localCall struct {
	kind       string
	teamRunID  string
	runVersion int64
	member     string
}

type fakeLocal struct {
	mu    sync.Mutex
	calls []localCall
	err   error
}

func (f *fakeLocal) record(kind, runID string, v int64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, localCall{kind, runID, v, member})
	return f.err
}

func (f *fakeLocal) DispatchUserMessage(_ context.Context, runID string, v int64, p envelope.UserMessagePayload) error {
	return f.record("user", runID, v, p.TargetMemberName)
}

func (f *fakeLocal) DispatchInterAgentMessage(_ context.Context, runID string, v int64, p envelope.InterAgentMessagePayload) error {
	return f.record("inter", runID, v, p.RecipientMemberName)
}

func (f *fakeLocal) DispatchToolApproval(_ context.Context, runID string, v int64, p envelope.ToolApprovalPayload) error {
	return f.record("approval", runID, v, p.TargetMemberName)
}

func (f *fakeLocal) DispatchControlStop(_ context.Context, runID string, v int64, _ envelope.ControlStopPayload) error {
	return f.record("stop", runID, v, "")
}

type sent struct {
	node string
	env  envelope.TeamEnvelope
}

type fakeRemote struct {
	mu     sync.Mutex
	sent   []sent
	failOn func(node string, env envelope.TeamEnvelope) error
}

func (f *fakeRemote) DispatchRemoteEnvelope(_ context.Context, node string, env envelope.TeamEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != nil {
		if err := f.failOn(node, env); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, sent{node, env})
	return nil
}

func (f *fakeRemote) kindsTo(node string) []envelope.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []envelope.Kind
	for _, s := range f.sent {
		if s.node == node {
			out = append(out, s.env.Kind)
		}
	}
	return out
}

func newTestAdapter(t *testing.T, local *fakeLocal, remote *fakeRemote) *Adapter {
	t.Helper()
	a, err := NewAdapter(Config{
		TeamRunID:   "team_run_1",
		RunVersion:  3,
		LocalNodeID: "host",
		PlacementByMember: map[string]string{
			"lead":     "host",
			"coder":    "worker-a",
			"reviewer": "worker-b",
			"tester":   "worker-a",
		},
		Bootstrap: &envelope.RunBootstrapPayload{HostNodeID: "host", Binding: []byte(`{"team_run_id":"team_run_1"}`)},
	}, local, remote, envelope.NewBuilder(), zap.NewNop())
	require.NoError(t, err)
	return a
}

func TestAdapter_LocalMemberSkipsNetwork(t *testing.T) {
	local, remote := &fakeLocal{}, &fakeRemote{}
	a := newTestAdapter(t, local, remote)

	require.NoError(t, a.DispatchUserMessage(context.Background(), envelope.UserMessagePayload{TargetMemberName: "lead", Content: "hi"}))

	assert.Equal(t, []localCall{{"user", "team_run_1", 3, "lead"}}, local.calls)
	assert.Empty(t, remote.sent)
	assert.True(t, a.IsLocal("lead"))
	assert.False(t, a.IsLocal("coder"))
}

func TestAdapter_RemoteMemberBootstrapsOnce(t *testing.T) {
	local, remote := &fakeLocal{}, &fakeRemote{}
	a := newTestAdapter(t, local, remote)
	ctx := context.Background()

	require.NoError(t, a.DispatchUserMessage(ctx, envelope.UserMessagePayload{TargetMemberName: "coder", Content: "build"}))
	require.NoError(t, a.DispatchInterAgentMessage(ctx, envelope.InterAgentMessagePayload{RecipientMemberName: "tester", Content: "run", SenderAgentID: "agent-1"}))
	require.NoError(t, a.DispatchToolApproval(ctx, envelope.ToolApprovalPayload{TargetMemberName: "coder", InvocationID: "inv-1", Approved: true}))

	assert.Equal(t, []envelope.Kind{
		envelope.KindRunBootstrap,
		envelope.KindUserMessage,
		envelope.KindInterAgentMessageRequest,
		envelope.KindToolApproval,
	}, remote.kindsTo("worker-a"))
	assert.Empty(t, local.calls)

	for _, s := range remote.sent {
		assert.Equal(t, "team_run_1", s.env.TeamRunID)
		assert.Equal(t, int64(3), s.env.RunVersion)
		assert.NoError(t, s.env.Validate())
	}

	msg, err := envelope.DecodePayload[envelope.UserMessagePayload](remote.sent[1].env)
	require.NoError(t, err)
	assert.Equal(t, "build", msg.Content)
}

func TestAdapter_FailedBootstrapIsRetried(t *testing.T) {
	failBoot := true
	remote := &fakeRemote{failOn: func(_ string, env envelope.TeamEnvelope) error {
		if env.Kind == envelope.KindRunBootstrap && failBoot {
			return errors.New("connection refused")
		}
		return nil
	}}
	a := newTestAdapter(t, &fakeLocal{}, remote)
	ctx := context.Background()

	err := a.DispatchUserMessage(ctx, envelope.UserMessagePayload{TargetMemberName: "coder", Content: "x"})
	require.Error(t, err)
	assert.Empty(t, remote.sent)

	failBoot = false
	require.NoError(t, a.DispatchUserMessage(ctx, envelope.UserMessagePayload{TargetMemberName: "coder", Content: "x"}))
	assert.Equal(t, []envelope.Kind{envelope.KindRunBootstrap, envelope.KindUserMessage}, remote.kindsTo("worker-a"))
}

func TestAdapter_ConcurrentDispatchBootstrapsOncePerNode(t *testing.T) {
	remote := &fakeRemote{}
	a := newTestAdapter(t, &fakeLocal{}, remote)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.DispatchUserMessage(context.Background(), envelope.UserMessagePayload{TargetMemberName: "reviewer", Content: "x"}))
		}()
	}
	wg.Wait()

	boots := 0
	for _, k := range remote.kindsTo("worker-b") {
		if k == envelope.KindRunBootstrap {
			boots++
		}
	}
	assert.Equal(t, 1, boots)
	assert.Len(t, remote.kindsTo("worker-b"), 9)
}

func TestAdapter_UnknownMember(t *testing.T) {
	a := newTestAdapter(t, &fakeLocal{}, &fakeRemote{})
	err := a.DispatchUserMessage(context.Background(), envelope.UserMessagePayload{TargetMemberName: "ghost"})
	assert.True(t, types.IsErrorCode(err, types.ErrTeamMemberNotFound))
}

func TestAdapter_ControlStopFansOut(t *testing.T) {
	local := &fakeLocal{}
	remote := &fakeRemote{failOn: func(node string, _ envelope.TeamEnvelope) error {
		if node == "worker-b" {
			return errors.New("unreachable")
		}
		return nil
	}}
	a := newTestAdapter(t, local, remote)

	err := a.DispatchControlStop(context.Background(), envelope.ControlStopPayload{Reason: "auto_stop"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker-b")

	assert.Equal(t, []envelope.Kind{envelope.KindControlStop}, remote.kindsTo("worker-a"))
	require.Len(t, local.calls, 1)
	assert.Equal(t, "stop", local.calls[0].kind)

	nodes := a.RemoteNodeIDs()
	assert.True(t, sort.StringsAreSorted(nodes))
	assert.Equal(t, []string{"worker-a", "worker-b"}, nodes)
}

func TestNewAdapter_RequiresIdentity(t *testing.T) {
	_, err := NewAdapter(Config{}, &fakeLocal{}, &fakeRemote{}, nil, nil)
	assert.Error(t, err)
}

func TestNewFactory(t *testing.T) {
	f := NewFactory(&fakeLocal{}, &fakeRemote{}, nil, zap.NewNop())
	port, err := f(Config{TeamRunID: "r", RunVersion: 1, LocalNodeID: "host", PlacementByMember: map[string]string{"lead": "host"}})
	require.NoError(t, err)
	assert.NoError(t, port.DispatchUserMessage(context.Background(), envelope.UserMessagePayload{TargetMemberName: "lead"}))
}
