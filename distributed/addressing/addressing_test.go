package addressing

import (
	"testing"

	"github.com/BaSui01/agentteam/distributed/directory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNormalizeDistributedBaseURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"rest suffix with slash", "http://host:8000/rest/", "http://host:8000", true},
		{"rest suffix", "http://host:8000/rest", "http://host:8000", true},
		{"trailing slash", "https://host/", "https://host", true},
		{"nested path kept", "http://host/api/rest", "http://host/api", true},
		{"query dropped", "http://host:9000/?x=1", "http://host:9000", true},
		{"not a url", "not-a-url", "", false},
		{"empty", "  ", "", false},
		{"unsupported scheme", "ftp://host", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeDistributedBaseURL(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsLoopbackBaseURL(t *testing.T) {
	assert.True(t, IsLoopbackBaseURL("http://localhost:8000"))
	assert.True(t, IsLoopbackBaseURL("http://127.0.0.1:8000"))
	assert.True(t, IsLoopbackBaseURL("http://[::1]:8000"))
	assert.True(t, IsLoopbackBaseURL("http://0.0.0.0:8000"))
	assert.False(t, IsLoopbackBaseURL("http://10.0.0.5:8000"))
	assert.False(t, IsLoopbackBaseURL("http://host-a:8000"))
}

func newDir(entries ...directory.Entry) *directory.Service {
	d := directory.NewService(zap.NewNop())
	for _, e := range entries {
		d.Upsert(e)
	}
	return d
}

func TestResolveRemoteTargetForCommandDispatch(t *testing.T) {
	d := newDir(directory.Entry{NodeID: "worker-1", BaseURL: "http://w1:8000/rest/", IsHealthy: true})

	res := ResolveRemoteTargetForCommandDispatch("worker-1", d)
	require.True(t, res.Resolved)
	assert.Equal(t, "http://w1:8000", res.BaseURL)
	assert.Equal(t, SourceDirectory, res.Source)

	res = ResolveRemoteTargetForCommandDispatch("worker-2", d)
	assert.False(t, res.Resolved)
	assert.Equal(t, ReasonTargetNodeMissing, res.Reason)

	res = ResolveRemoteTargetForCommandDispatch("worker-1", nil)
	assert.Equal(t, ReasonTargetNodeMissing, res.Reason)
}

func TestResolveRemoteTargetForEventUplink_Local(t *testing.T) {
	res := ResolveRemoteTargetForEventUplink(EventUplinkInput{
		LocalNodeID:  "node-a",
		TargetNodeID: "node-a",
		Directory:    newDir(),
	})
	assert.False(t, res.Resolved)
	assert.Equal(t, ReasonTargetNodeIsLocal, res.Reason)
}

func TestResolveRemoteTargetForEventUplink_MissingTarget(t *testing.T) {
	res := ResolveRemoteTargetForEventUplink(EventUplinkInput{
		LocalNodeID:  "worker-1",
		TargetNodeID: "host",
		Directory:    newDir(),
	})
	assert.False(t, res.Resolved)
	assert.Equal(t, ReasonTargetNodeMissingNoFallback, res.Reason)

	res = ResolveRemoteTargetForEventUplink(EventUplinkInput{
		LocalNodeID:          "worker-1",
		TargetNodeID:         "host",
		Directory:            newDir(),
		DiscoveryRegistryURL: "http://registry:8000/rest",
	})
	require.True(t, res.Resolved)
	assert.Equal(t, SourceBootstrapFallback, res.Source)
	assert.Equal(t, "http://registry:8000", res.BaseURL)
}

func TestResolveRemoteTargetForEventUplink_LoopbackRewrite(t *testing.T) {
	d := newDir(directory.Entry{NodeID: "host", BaseURL: "http://localhost:8000", IsHealthy: true})

	res := ResolveRemoteTargetForEventUplink(EventUplinkInput{
		LocalNodeID:              "worker-1",
		TargetNodeID:             "host",
		Directory:                d,
		DistributedUplinkBaseURL: "http://10.1.0.4:8000/",
	})
	require.True(t, res.Resolved)
	assert.True(t, res.Rewritten)
	assert.Equal(t, SourceDirectoryRewrittenLoopback, res.Source)
	assert.Equal(t, "http://10.1.0.4:8000", res.BaseURL)

	e, _ := d.Get("host")
	assert.Equal(t, "http://10.1.0.4:8000", e.BaseURL)
}

func TestResolveRemoteTargetForEventUplink_LoopbackWithoutOverride(t *testing.T) {
	d := newDir(directory.Entry{NodeID: "host", BaseURL: "http://127.0.0.1:8000"})

	res := ResolveRemoteTargetForEventUplink(EventUplinkInput{
		LocalNodeID:  "worker-1",
		TargetNodeID: "host",
		Directory:    d,
	})
	require.True(t, res.Resolved)
	assert.False(t, res.Rewritten)
	assert.Equal(t, SourceDirectory, res.Source)
	assert.Equal(t, "http://127.0.0.1:8000", res.BaseURL)
}
