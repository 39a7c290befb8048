package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubCheck struct {
	name  string
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (s *stubCheck) Name() string { return s.name }

func (s *stubCheck) Check(ctx context.Context) error {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.err
}

func getStatus(t *testing.T, h http.HandlerFunc, path string) (int, HealthStatus) {
	t.Helper()
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, path, nil))
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	return w.Code, status
}

func TestHealthHandler_HandleHealth(t *testing.T) {
	active := 3
	h := NewHealthHandler(zap.NewNop(),
		WithNodeInfo("host-1", []string{"host", "worker"}),
		WithActiveRuns(func() int { return active }),
	)

	code, status := getStatus(t, h.HandleHealth, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, "host-1", status.NodeID)
	assert.Equal(t, []string{"host", "worker"}, status.Roles)
	require.NotNil(t, status.ActiveRuns)
	assert.Equal(t, 3, *status.ActiveRuns)
	assert.False(t, status.Timestamp.IsZero())
}

func TestHealthHandler_HandleHealthz(t *testing.T) {
	h := NewHealthHandler(nil, WithNodeInfo("worker-1", []string{"worker"}))
	h.RegisterCheck(&stubCheck{name: "redis", err: errors.New("down")})
	h.SetDraining(true)

	// 存活探针不执行依赖检查，也不受关闭状态影响
	code, status := getStatus(t, h.HandleHealthz, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, "worker-1", status.NodeID)
	assert.Nil(t, status.ActiveRuns)
}

func TestHealthHandler_HandleReady(t *testing.T) {
	tests := []struct {
		name   string
		checks []*stubCheck
		code   int
		status string
	}{
		{"no checks", nil, http.StatusOK, StatusHealthy},
		{"all pass", []*stubCheck{{name: "journal"}, {name: "redis"}}, http.StatusOK, StatusHealthy},
		{"one fails", []*stubCheck{{name: "journal"}, {name: "redis", err: errors.New("connection refused")}}, http.StatusServiceUnavailable, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(zap.NewNop())
			for _, c := range tt.checks {
				h.RegisterCheck(c)
			}

			code, status := getStatus(t, h.HandleReady, "/ready")
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.status, status.Status)
			assert.Len(t, status.Checks, len(tt.checks))
			for _, c := range tt.checks {
				res := status.Checks[c.name]
				if c.err != nil {
					assert.Equal(t, "fail", res.Status)
					assert.Equal(t, c.err.Error(), res.Message)
				} else {
					assert.Equal(t, "pass", res.Status)
				}
				assert.NotEmpty(t, res.Latency)
			}
		})
	}
}

func TestHealthHandler_ChecksRunConcurrently(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	checks := []*stubCheck{
		{name: "a", delay: 100 * time.Millisecond},
		{name: "b", delay: 100 * time.Millisecond},
		{name: "c", delay: 100 * time.Millisecond},
	}
	for _, c := range checks {
		h.RegisterCheck(c)
	}

	start := time.Now()
	code, _ := getStatus(t, h.HandleReady, "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	for _, c := range checks {
		assert.Equal(t, int32(1), c.calls.Load())
	}
}

func TestHealthHandler_DrainingSkipsChecks(t *testing.T) {
	h := NewHealthHandler(zap.NewNop(), WithNodeInfo("host-1", nil))
	check := &stubCheck{name: "journal"}
	h.RegisterCheck(check)

	h.SetDraining(true)
	code, status := getStatus(t, h.HandleReady, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusDraining, status.Status)
	assert.Equal(t, int32(0), check.calls.Load())

	h.SetDraining(false)
	code, _ = getStatus(t, h.HandleReady, "/ready")
	assert.Equal(t, http.StatusOK, code)
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	h := NewHealthHandler(zap.NewNop(), WithNodeInfo("host-1", nil))

	w := httptest.NewRecorder()
	h.HandleVersion("1.2.0", "2026-01-01", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var info VersionInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	assert.Equal(t, VersionInfo{NodeID: "host-1", Version: "1.2.0", BuildTime: "2026-01-01", GitCommit: "abc123"}, info)
}

func TestPingCheck(t *testing.T) {
	want := errors.New("ping failed")
	c := NewPingCheck("redis", func(context.Context) error { return want })

	assert.Equal(t, "redis", c.Name())
	assert.ErrorIs(t, c.Check(context.Background()), want)
}
