package shm

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetricsCountPoolsAndOps(t *testing.T) {
	ctx := context.Background()
	a, b := peers(t, NewHeapBackend())
	m := a.Metrics()
	require.Same(t, m.ops, b.Metrics().ops, "peers on one registerer share collectors")

	key := nextTestKey()
	pa, err := a.CreateOrAttach(ctx, key, 1024)
	require.Nil(t, err)
	pb, err := b.CreateOrAttach(ctx, key, 1024)
	require.Nil(t, err)
	assert.Equal(t, float64(1), counterValue(m.attaches.WithLabelValues(roleCreate)))
	assert.Equal(t, float64(1), counterValue(m.attaches.WithLabelValues(roleAttach)))
	assert.Equal(t, float64(2), gaugeValue(m.openHandles))

	v, err := NewVar[int32](ctx, pa, 0)
	require.Nil(t, err)
	require.Nil(t, v.Set(ctx, 1))
	require.Nil(t, v.Set(ctx, 2))
	_, err = v.Get(ctx)
	require.Nil(t, err)
	_, err = v.Update(ctx, func(x int32) int32 { return x + 1 })
	require.Nil(t, err)
	assert.Equal(t, float64(2), counterValue(m.ops.WithLabelValues(opSet)))
	assert.Equal(t, float64(1), counterValue(m.ops.WithLabelValues(opGet)))
	assert.Equal(t, float64(1), counterValue(m.ops.WithLabelValues(opUpdate)))
	assert.Equal(t, float64(1), counterValue(m.ops.WithLabelValues(opAllocate)))

	_, err = NewVar[int32](ctx, pb, 0)
	require.Nil(t, err)
	assert.Equal(t, float64(2), counterValue(m.ops.WithLabelValues(opAllocate)))
	_, err = NewVar[int64](ctx, pb, 0)
	require.NotNil(t, err)
	assert.Equal(t, float64(2), counterValue(m.ops.WithLabelValues(opAllocate)), "failed allocations are not counted")

	require.Nil(t, pb.Detach(ctx))
	require.Nil(t, pa.Destroy(ctx))
	assert.Equal(t, float64(1), counterValue(m.detaches))
	assert.Equal(t, float64(1), counterValue(m.destroys))
	assert.Equal(t, float64(0), gaugeValue(m.openHandles))
}

func TestMetricsWithoutRegisterer(t *testing.T) {
	m, err := NewMetrics(nil, nil)
	require.Nil(t, err)
	m.op(context.Background(), opGet)
	assert.Equal(t, float64(1), counterValue(m.ops.WithLabelValues(opGet)))

	var none *Metrics
	none.op(context.Background(), opGet)
	none.poolOpened(true)
	none.tokenTimeout()
}

func TestMetricsRegisterConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shmvar",
		Name:      "pool_detach_total",
		Help:      "Something else entirely.",
	}))
	_, err := NewMetrics(reg, nil)
	assert.NotNil(t, err)
}

func TestMetricsOtelCounter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	cfg := testConfig(t, NewHeapBackend())
	cfg.Meter = provider.Meter("test")
	r, err := NewRegistry(cfg)
	require.Nil(t, err)
	defer func() { _ = r.Close(context.Background()) }()

	ctx := context.Background()
	p, err := r.CreateOrAttach(ctx, nextTestKey(), 1024)
	require.Nil(t, err)
	v, err := NewVar[uint64](ctx, p, 3)
	require.Nil(t, err)
	require.Nil(t, v.Set(ctx, 9))
	require.Nil(t, v.Set(ctx, 10))

	var rm metricdata.ResourceMetrics
	require.Nil(t, reader.Collect(ctx, &rm))
	byOp := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "shmvar.block.operations" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				op, _ := dp.Attributes.Value(attribute.Key("op"))
				byOp[op.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{opAllocate: 1, opSet: 2}, byOp)
}
