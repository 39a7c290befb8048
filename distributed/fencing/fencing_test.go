package fencing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticResolver(versions map[string]int64) ResolverFunc {
	return func(_ context.Context, id string) (int64, bool, error) {
		v, ok := versions[id]
		return v, ok, nil
	}
}

func TestPolicy_IsStale(t *testing.T) {
	p := NewPolicy(staticResolver(map[string]int64{"run": 2}))
	ctx := context.Background()

	stale, err := p.IsStale(ctx, "run", 2)
	require.NoError(t, err)
	assert.False(t, stale)

	stale, err = p.IsStale(ctx, "run", 1)
	require.NoError(t, err)
	assert.True(t, stale)

	// 比当前更新的版本不算过期
	stale, err = p.IsStale(ctx, "run", 3)
	require.NoError(t, err)
	assert.False(t, stale)

	stale, err = p.IsStale(ctx, "unknown", 1)
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestPolicy_ResolverError(t *testing.T) {
	boom := errors.New("lookup failed")
	p := NewPolicy(ResolverFunc(func(context.Context, string) (int64, bool, error) {
		return 0, false, boom
	}))
	_, err := p.IsStale(context.Background(), "run", 1)
	assert.ErrorIs(t, err, boom)
}
