package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	manager, err := NewManager(Config{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return mr, manager
}

func TestNewManager_ConnectFailure(t *testing.T) {
	_, err := NewManager(Config{Addr: "127.0.0.1:1", MaxRetries: -1}, nil)
	assert.Error(t, err)
}

func TestManager_SetNX(t *testing.T) {
	mr, m := setupTestRedis(t)
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "k", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "k", "1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	mr.FastForward(2 * time.Minute)
	exists, err = m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestManager_Closed(t *testing.T) {
	_, m := setupTestRedis(t)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.SetNX(context.Background(), "k", "1", time.Minute)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Ping(context.Background()), ErrClosed)
}

func TestManager_PingFailsWhenServerDown(t *testing.T) {
	mr, m := setupTestRedis(t)
	require.NoError(t, m.Ping(context.Background()))
	mr.Close()
	assert.Error(t, m.Ping(context.Background()))
}

func TestManager_ConcurrentSetNX(t *testing.T) {
	_, m := setupTestRedis(t)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.SetNX(context.Background(), "race", "1", time.Minute)
			if err == nil && ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
}
