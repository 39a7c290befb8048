package telemetry

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/BaSui01/agentteam/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"
)

// restoreGlobals 测试结束后恢复全局 provider 与传播器
func restoreGlobals(t *testing.T) {
	t.Helper()
	tp, mp, prop := otel.GetTracerProvider(), otel.GetMeterProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		otel.SetTextMapPropagator(prop)
	})
}

func testNode() config.NodeConfig {
	return config.NodeConfig{ID: "host-1", Roles: []string{config.RoleHost, config.RoleWorker}}
}

func TestInit_DisabledInstallsPropagatorOnly(t *testing.T) {
	restoreGlobals(t)

	p, err := Init(config.TelemetryConfig{Enabled: false}, testNode(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Nil(t, p.tp)
	assert.Nil(t, p.mp)
	assert.NoError(t, p.Shutdown(context.Background()))

	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "baggage")
}

func TestInit_EnabledRegistersSDKProviders(t *testing.T) {
	restoreGlobals(t)

	cfg := config.DefaultTelemetryConfig()
	cfg.Enabled = true
	cfg.ServiceName = "agentteam-test"

	p, err := Init(cfg, testNode(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		// 没有 collector，导出可能失败，只要求按时返回
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})

	require.NotNil(t, p.tp)
	require.NotNil(t, p.mp)
	_, tpIsSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	_, mpIsSDK := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, tpIsSDK)
	assert.True(t, mpIsSDK)
}

func TestNodeResource(t *testing.T) {
	res, err := nodeResource(context.Background(), "agentteam", testNode())
	require.NoError(t, err)

	attrs := map[string]string{}
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "agentteam", attrs["service.name"])
	assert.Equal(t, "host-1", attrs["service.instance.id"])
	assert.Equal(t, "host,worker", attrs[string(NodeRolesKey)])
	assert.Equal(t, "dev", attrs["service.version"])
}

func TestSampler_FollowsRemoteParent(t *testing.T) {
	traceID := trace.TraceID{0x01, 0x02, 0x03}
	parentFor := func(sampled bool) context.Context {
		flags := trace.TraceFlags(0)
		if sampled {
			flags = trace.FlagsSampled
		}
		return trace.ContextWithRemoteSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     trace.SpanID{0x0a},
			TraceFlags: flags,
			Remote:     true,
		}))
	}

	tests := []struct {
		name   string
		rate   float64
		parent context.Context
		want   sdktrace.SamplingDecision
	}{
		{"root never", 0, context.Background(), sdktrace.Drop},
		{"root always", 1, context.Background(), sdktrace.RecordAndSample},
		{"sampled parent overrides zero rate", 0, parentFor(true), sdktrace.RecordAndSample},
		{"unsampled parent overrides full rate", 1, parentFor(false), sdktrace.Drop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Sampler(tt.rate).ShouldSample(sdktrace.SamplingParameters{
				ParentContext: tt.parent,
				TraceID:       traceID,
				Name:          "POST /internal/distributed/v1/commands",
			})
			assert.Equal(t, tt.want, res.Decision)
		})
	}
}

func TestPropagator_RoundTripsAcrossNodes(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0xab},
		SpanID:     trace.SpanID{0xcd},
		TraceFlags: trace.FlagsSampled,
	})
	header := http.Header{}
	Propagator().Inject(trace.ContextWithSpanContext(context.Background(), sc), propagation.HeaderCarrier(header))
	require.NotEmpty(t, header.Get("traceparent"))

	got := trace.SpanContextFromContext(Propagator().Extract(context.Background(), propagation.HeaderCarrier(header)))
	assert.Equal(t, sc.TraceID(), got.TraceID())
	assert.Equal(t, sc.SpanID(), got.SpanID())
	assert.True(t, got.IsSampled())
	assert.True(t, got.IsRemote())
}

func TestProviders_ShutdownNil(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
}
