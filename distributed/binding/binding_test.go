package binding

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sampleBinding(version int64) RunScopedTeamBinding {
	return RunScopedTeamBinding{
		TeamRunID:        "team_run_1",
		RunVersion:       version,
		TeamDefinitionID: "def_1",
		RuntimeTeamID:    "team_1",
		MemberBindings: []MemberBinding{
			{
				MemberName:        "coordinator",
				AgentDefinitionID: "agent_def_1",
				MemberRouteKey:    "coordinator",
				LLMConfig:         map[string]any{"temperature": 0.2, "stop": []any{"END"}, "extra": map[string]any{"k": "v"}},
			},
			{MemberName: "researcher", AgentDefinitionID: "agent_def_2", MemberRouteKey: "researcher"},
		},
	}
}

func TestRegistry_BindAndGet(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Bind(sampleBinding(1)))

	b, ok := r.Get("team_run_1")
	require.True(t, ok)
	assert.Equal(t, int64(1), b.RunVersion)
	assert.Len(t, b.MemberBindings, 2)
	assert.False(t, b.BoundAt.IsZero())

	v, ok := r.CurrentVersion("team_run_1")
	assert.True(t, ok)
	assert.Equal(t, int64(1), v)
}

func TestRegistry_ReadsAreIsolated(t *testing.T) {
	r := NewRegistry(nil)
	in := sampleBinding(1)
	require.NoError(t, r.Bind(in))

	in.MemberBindings[0].MemberName = "mutated"
	in.MemberBindings[0].LLMConfig["temperature"] = 1.0

	b, _ := r.Get("team_run_1")
	assert.Equal(t, "coordinator", b.MemberBindings[0].MemberName)
	assert.Equal(t, 0.2, b.MemberBindings[0].LLMConfig["temperature"])

	b.MemberBindings[0].LLMConfig["extra"].(map[string]any)["k"] = "changed"
	b.MemberBindings[0].LLMConfig["stop"].([]any)[0] = "CHANGED"

	again, _ := r.Get("team_run_1")
	assert.Equal(t, "v", again.MemberBindings[0].LLMConfig["extra"].(map[string]any)["k"])
	assert.Equal(t, "END", again.MemberBindings[0].LLMConfig["stop"].([]any)[0])
}

func TestRegistry_RebindRequiresNewerVersion(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Bind(sampleBinding(2)))

	err := r.Bind(sampleBinding(2))
	assert.True(t, errors.Is(err, ErrStaleBinding))
	err = r.Bind(sampleBinding(1))
	assert.True(t, errors.Is(err, ErrStaleBinding))

	require.NoError(t, r.Bind(sampleBinding(3)))
	v, _ := r.CurrentVersion("team_run_1")
	assert.Equal(t, int64(3), v)
}

func TestRegistry_ResolveMemberAndUnbind(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Bind(sampleBinding(1)))

	m, err := r.ResolveMember("team_run_1", "researcher")
	require.NoError(t, err)
	assert.Equal(t, "agent_def_2", m.AgentDefinitionID)

	_, err = r.ResolveMember("team_run_1", "ghost")
	assert.ErrorIs(t, err, ErrMemberNotBound)

	assert.True(t, r.Unbind("team_run_1"))
	assert.False(t, r.Unbind("team_run_1"))
	_, err = r.ResolveMember("team_run_1", "researcher")
	assert.ErrorIs(t, err, ErrBindingNotFound)
	assert.Empty(t, r.RunIDs())
}

func TestBinding_EncodeDecode(t *testing.T) {
	in := sampleBinding(4)
	raw, err := in.Encode()
	require.NoError(t, err)

	out, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, in.TeamRunID, out.TeamRunID)
	assert.Equal(t, in.RunVersion, out.RunVersion)
	assert.Equal(t, "researcher", out.MemberBindings[1].MemberName)

	_, err = Decode([]byte("{"))
	assert.Error(t, err)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(2)
		go func(v int64) {
			defer wg.Done()
			_ = r.Bind(sampleBinding(v))
		}(int64(i))
		go func() {
			defer wg.Done()
			_, _ = r.Get("team_run_1")
		}()
	}
	wg.Wait()
	v, ok := r.CurrentVersion("team_run_1")
	require.True(t, ok)
	assert.Equal(t, int64(20), v)
}
