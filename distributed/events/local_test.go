package events

import (
	"context"
	"testing"

	"github.com/BaSui01/agentteam/distributed/fencing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingPublisher struct {
	calls []string
}

func (p *countingPublisher) Publish(_ context.Context, host string, _ RemoteExecutionEvent) (IngestResult, error) {
	p.calls = append(p.calls, host)
	return IngestResult{Accepted: true}, nil
}

func TestLocalPublisher_AcceptsAsLocalOrigin(t *testing.T) {
	sink := &recordingSink{}
	pub := NewLocalPublisher(fencing.NewPolicy(versionResolver(2)), NewAggregator("host-1", sink, nil), zap.NewNop())
	ctx := context.Background()

	res, err := pub.Publish(ctx, "host-1", remoteEvent(2, "ev-1"))
	require.NoError(t, err)
	assert.Equal(t, IngestResult{Accepted: true}, res)

	res, err = pub.Publish(ctx, "host-1", remoteEvent(1, "ev-2"))
	require.NoError(t, err)
	assert.True(t, res.Dropped)
	assert.Equal(t, DropStaleRunVersion, res.Reason)

	got := sink.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, OriginLocal, got[0].Origin)
	assert.Equal(t, "host-1", got[0].SourceNodeID)
	assert.Equal(t, int64(0), got[0].Sequence)
}

func TestLocalAwarePublisher_Routes(t *testing.T) {
	local, remote := &countingPublisher{}, &countingPublisher{}
	pub := NewLocalAwarePublisher("node-a", local, remote)
	ctx := context.Background()

	_, err := pub.Publish(ctx, "node-a", remoteEvent(1, "a"))
	require.NoError(t, err)
	_, err = pub.Publish(ctx, "node-b", remoteEvent(1, "b"))
	require.NoError(t, err)

	assert.Equal(t, []string{"node-a"}, local.calls)
	assert.Equal(t, []string{"node-b"}, remote.calls)

	_, err = NewLocalAwarePublisher("node-a", local, nil).Publish(ctx, "node-b", remoteEvent(1, "c"))
	assert.Error(t, err)
}
