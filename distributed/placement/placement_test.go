package placement

import (
	"errors"
	"testing"

	"github.com/BaSui01/agentteam/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func nodes() NodeSets {
	return NewNodeSets([]string{"host", "w1", "w2", "down"}, []string{"host", "w1", "w2"})
}

func TestCheck_Violations(t *testing.T) {
	tests := []struct {
		name  string
		hints MemberHints
		code  ViolationCode
	}{
		{"unknown home", MemberHints{MemberName: "m", HomeNodeID: "ghost"}, UnknownHomeNode},
		{"unknown required", MemberHints{MemberName: "m", RequiredNodeID: "ghost"}, UnknownRequiredNode},
		{"unknown preferred", MemberHints{MemberName: "m", PreferredNodeID: "ghost"}, UnknownPreferredNode},
		{"home vs required", MemberHints{MemberName: "m", HomeNodeID: "w1", RequiredNodeID: "w2"}, HomeNodeConflict},
		{"home vs preferred", MemberHints{MemberName: "m", HomeNodeID: "w1", PreferredNodeID: "w2"}, HomeNodeConflict},
		{"home unavailable", MemberHints{MemberName: "m", HomeNodeID: "down"}, HomeNodeUnavailable},
		{"required unavailable", MemberHints{MemberName: "m", RequiredNodeID: "down"}, RequiredNodeUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.hints, nodes())
			require.Error(t, err)
			var ce *ConstraintError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.code, ce.Code)
			assert.Equal(t, "m", ce.MemberName)
		})
	}
}

func TestCheck_Allowed(t *testing.T) {
	ok := []MemberHints{
		{MemberName: "a"},
		{MemberName: "b", HomeNodeID: "w1"},
		{MemberName: "c", HomeNodeID: "w1", RequiredNodeID: "w1"},
		{MemberName: "d", PreferredNodeID: "down"},
		{MemberName: "e", RequiredNodeID: "w2", PreferredNodeID: "w1"},
	}
	for _, h := range ok {
		assert.NoError(t, Check(h, nodes()), h.MemberName)
	}
}

func TestResolve(t *testing.T) {
	n := nodes()
	assert.Equal(t, "w1", Resolve(MemberHints{HomeNodeID: "w1"}, n, "host"))
	assert.Equal(t, "w2", Resolve(MemberHints{RequiredNodeID: "w2", PreferredNodeID: "w1"}, n, "host"))
	assert.Equal(t, "w1", Resolve(MemberHints{PreferredNodeID: "w1"}, n, "host"))
	assert.Equal(t, "host", Resolve(MemberHints{PreferredNodeID: "down"}, n, "host"))
	assert.Equal(t, "host", Resolve(MemberHints{}, n, "host"))
}

func TestPlan(t *testing.T) {
	got, err := Plan([]MemberHints{
		{MemberName: "coordinator"},
		{MemberName: "researcher", RequiredNodeID: "w1"},
	}, nodes(), "host")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"coordinator": "host", "researcher": "w1"}, got)

	_, err = Plan([]MemberHints{{MemberName: "x", HomeNodeID: "ghost"}}, nodes(), "host")
	require.Error(t, err)
	assert.True(t, IsConstraintError(err))
	assert.Equal(t, types.ErrPlacementViolation, (err.(*ConstraintError)).AsTypesError().Code)
}

func TestPlan_PropertyPlacedOnAvailableOrDefault(t *testing.T) {
	all := []string{"host", "w1", "w2", "down"}
	rapid.Check(t, func(t *rapid.T) {
		pick := rapid.SampledFrom(append([]string{""}, all...))
		h := MemberHints{
			MemberName:      "m",
			HomeNodeID:      pick.Draw(t, "home"),
			RequiredNodeID:  pick.Draw(t, "required"),
			PreferredNodeID: pick.Draw(t, "preferred"),
		}
		n := nodes()
		plan, err := Plan([]MemberHints{h}, n, "host")
		if err != nil {
			return
		}
		node := plan["m"]
		if !n.Available(node) {
			t.Fatalf("member placed on unavailable node %q for %+v", node, h)
		}
		if h.RequiredNodeID != "" && node != h.RequiredNodeID {
			t.Fatalf("required node %q ignored, got %q", h.RequiredNodeID, node)
		}
	})
}
