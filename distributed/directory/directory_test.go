package directory

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestService_UpsertGetRemove(t *testing.T) {
	s := NewService(zap.NewNop())
	s.Upsert(Entry{NodeID: "node-a", BaseURL: "http://a:8000", IsHealthy: true, SupportsAgentExecution: true})

	e, ok := s.Get("node-a")
	require.True(t, ok)
	assert.Equal(t, "http://a:8000", e.BaseURL)
	assert.False(t, e.LastSeenAt.IsZero())

	s.Remove("node-a")
	_, ok = s.Get("node-a")
	assert.False(t, ok)
	assert.Equal(t, []string{"node-a"}, s.KnownNodeIDs(), "removed nodes stay known")
}

func TestService_IgnoresEmptyNodeID(t *testing.T) {
	s := NewService(nil)
	s.Upsert(Entry{BaseURL: "http://x"})
	assert.Empty(t, s.List())
}

func TestService_AvailableNodeIDs(t *testing.T) {
	s := NewService(zap.NewNop())
	s.Upsert(Entry{NodeID: "a", IsHealthy: true, SupportsAgentExecution: true})
	s.Upsert(Entry{NodeID: "b", IsHealthy: false, SupportsAgentExecution: true})
	s.Upsert(Entry{NodeID: "c", IsHealthy: true, SupportsAgentExecution: false})

	assert.Equal(t, []string{"a"}, s.AvailableNodeIDs())
	assert.Equal(t, []string{"a", "b", "c"}, s.KnownNodeIDs())
}

func TestService_MarkHealthAndRewrite(t *testing.T) {
	s := NewService(zap.NewNop())
	assert.False(t, s.MarkHealth("missing", true))
	assert.False(t, s.RewriteBaseURL("missing", "http://x"))

	s.Upsert(Entry{NodeID: "a", BaseURL: "http://localhost:8000", IsHealthy: true})
	require.True(t, s.MarkHealth("a", false))
	require.True(t, s.RewriteBaseURL("a", "http://10.0.0.2:8000"))

	e, _ := s.Get("a")
	assert.False(t, e.IsHealthy)
	assert.Equal(t, "http://10.0.0.2:8000", e.BaseURL)
}

func TestService_SweepStale(t *testing.T) {
	s := NewService(zap.NewNop())
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.Upsert(Entry{NodeID: "fresh", IsHealthy: true, LastSeenAt: now.Add(-10 * time.Second)})
	s.Upsert(Entry{NodeID: "stale", IsHealthy: true, LastSeenAt: now.Add(-5 * time.Minute)})

	swept := s.SweepStale(time.Minute, now)
	assert.Equal(t, []string{"stale"}, swept)

	e, _ := s.Get("stale")
	assert.False(t, e.IsHealthy)

	require.True(t, s.Touch("stale", now))
	e, _ = s.Get("stale")
	assert.True(t, e.IsHealthy)
	assert.Equal(t, now, e.LastSeenAt)
}

func TestService_ConcurrentWrites(t *testing.T) {
	s := NewService(zap.NewNop())
	s.Upsert(Entry{NodeID: "a", IsHealthy: true})
	s.Upsert(Entry{NodeID: "b", IsHealthy: true})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			s.MarkHealth("a", i%2 == 0)
		}(i)
		go func() {
			defer wg.Done()
			s.Touch("b", time.Now())
		}()
	}
	wg.Wait()

	_, ok := s.Get("a")
	assert.True(t, ok)
	assert.Len(t, s.List(), 2)
}
