package idempotency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/agentteam/internal/cache"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryStore_AddOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Options{})

	added, err := s.Add(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.Add(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, added)

	ok, _ := s.Contains(ctx, "k1")
	assert.True(t, ok)
	ok, _ = s.Contains(ctx, "k2")
	assert.False(t, ok)
}

func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := NewMemoryStore(Options{TTL: time.Minute, Now: clk.Now})

	_, _ = s.Add(ctx, "k")
	clk.Advance(59 * time.Second)
	ok, _ := s.Contains(ctx, "k")
	assert.True(t, ok)

	clk.Advance(time.Second)
	ok, _ = s.Contains(ctx, "k")
	assert.False(t, ok)

	added, _ := s.Add(ctx, "k")
	assert.True(t, added, "expired key can be added again")
}

func TestMemoryStore_MaxEntriesEvictsOldest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Options{MaxEntries: 3})
	for i := 0; i < 5; i++ {
		_, _ = s.Add(ctx, fmt.Sprintf("k%d", i))
	}
	assert.Equal(t, 3, s.Len())

	for i, want := range []bool{false, false, true, true, true} {
		ok, _ := s.Contains(ctx, fmt.Sprintf("k%d", i))
		assert.Equal(t, want, ok, "k%d", i)
	}
}

func TestMemoryStore_ConcurrentAddSingleWinner(t *testing.T) {
	s := NewMemoryStore(Options{})
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if added, _ := s.Add(context.Background(), "same"); added {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	mgr, err := cache.NewManager(cache.Config{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	defer mgr.Close()

	ctx := context.Background()
	s := NewRedisStore(mgr, "team:events:", time.Minute)

	added, err := s.Add(ctx, "run1|node1|ev1")
	require.NoError(t, err)
	assert.True(t, added)
	assert.True(t, mr.Exists("team:events:run1|node1|ev1"))

	added, err = s.Add(ctx, "run1|node1|ev1")
	require.NoError(t, err)
	assert.False(t, added)

	ok, err := s.Contains(ctx, "run1|node1|ev1")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(time.Minute + time.Second)
	ok, err = s.Contains(ctx, "run1|node1|ev1")
	require.NoError(t, err)
	assert.False(t, ok)
}
