package shm

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

var testKeySeq atomic.Int64

// nextTestKey returns a key no other test in this process uses.
func nextTestKey() int {
	return 5000 + int(testKeySeq.Add(1))
}

func testConfig(t *testing.T, backend Backend) *Config {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.Backend = backend
	cfg.LockTimeout = time.Second
	cfg.AttachTimeout = time.Second
	cfg.PollInterval = time.Millisecond
	cfg.Registerer = prometheus.NewRegistry()
	return cfg
}

// peers returns two registries sharing one backend and directory, standing
// in for two processes.
func peers(t *testing.T, backend Backend) (*Registry, *Registry) {
	cfg := testConfig(t, backend)
	a, err := NewRegistry(cfg)
	require.Nil(t, err)
	b, err := NewRegistry(cfg)
	require.Nil(t, err)
	t.Cleanup(func() {
		_ = a.Close(context.Background())
		_ = b.Close(context.Background())
	})
	return a, b
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	_ = g.Write(m)
	return m.GetGauge().GetValue()
}

func histogramCount(h prometheus.Histogram) uint64 {
	m := &dto.Metric{}
	_ = h.Write(m)
	return m.GetHistogram().GetSampleCount()
}
