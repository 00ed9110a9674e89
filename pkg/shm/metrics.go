package shm

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	opGet      = "get"
	opSet      = "set"
	opUpdate   = "update"
	opAllocate = "allocate"

	roleCreate = "create"
	roleAttach = "attach"
)

// Metrics collects pool and variable statistics. It is shared by every pool
// of a registry.
type Metrics struct {
	attaches    *prometheus.CounterVec
	detaches    prometheus.Counter
	destroys    prometheus.Counter
	ops         *prometheus.CounterVec
	tokenWait   prometheus.Histogram
	timeouts    prometheus.Counter
	stolen      prometheus.Counter
	openHandles prometheus.Gauge

	otelOps metric.Int64Counter
}

// NewMetrics builds the collectors and registers them on reg when reg is not nil.
// Collectors already registered by another registry on reg are reused.
func NewMetrics(reg prometheus.Registerer, meter metric.Meter) (*Metrics, error) {
	m := &Metrics{
		attaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shmvar",
			Name:      "pool_attach_total",
			Help:      "Pool handles opened, by role (create or attach).",
		}, []string{"role"}),
		detaches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmvar",
			Name:      "pool_detach_total",
			Help:      "Pool handles detached.",
		}),
		destroys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmvar",
			Name:      "pool_destroy_total",
			Help:      "Pools destroyed.",
		}),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shmvar",
			Name:      "block_operations_total",
			Help:      "Block accesses completed, by operation.",
		}, []string{"op"}),
		tokenWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shmvar",
			Name:      "token_wait_seconds",
			Help:      "Time spent waiting for a contended block token.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmvar",
			Name:      "token_timeout_total",
			Help:      "Token acquisitions that timed out.",
		}),
		stolen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmvar",
			Name:      "token_takeover_total",
			Help:      "Tokens taken over from a dead holder.",
		}),
		openHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shmvar",
			Name:      "pool_open_handles",
			Help:      "Pool handles currently open in this process.",
		}),
	}
	if reg != nil {
		var err error
		if m.attaches, err = register(reg, m.attaches); err != nil {
			return nil, err
		}
		if m.detaches, err = register(reg, m.detaches); err != nil {
			return nil, err
		}
		if m.destroys, err = register(reg, m.destroys); err != nil {
			return nil, err
		}
		if m.ops, err = register(reg, m.ops); err != nil {
			return nil, err
		}
		if m.tokenWait, err = register(reg, m.tokenWait); err != nil {
			return nil, err
		}
		if m.timeouts, err = register(reg, m.timeouts); err != nil {
			return nil, err
		}
		if m.stolen, err = register(reg, m.stolen); err != nil {
			return nil, err
		}
		if m.openHandles, err = register(reg, m.openHandles); err != nil {
			return nil, err
		}
	}
	if meter != nil {
		c, err := meter.Int64Counter("shmvar.block.operations",
			metric.WithDescription("Block accesses completed, by operation."),
			metric.WithUnit("{operation}"))
		if err != nil {
			return nil, err
		}
		m.otelOps = c
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) poolOpened(created bool) {
	if m == nil {
		return
	}
	role := roleAttach
	if created {
		role = roleCreate
	}
	m.attaches.WithLabelValues(role).Inc()
	m.openHandles.Inc()
}

func (m *Metrics) poolDetached() {
	if m == nil {
		return
	}
	m.detaches.Inc()
	m.openHandles.Dec()
}

func (m *Metrics) poolDestroyed() {
	if m == nil {
		return
	}
	m.destroys.Inc()
	m.openHandles.Dec()
}

func (m *Metrics) op(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op).Inc()
	if m.otelOps != nil {
		m.otelOps.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}

func (m *Metrics) observeTokenWait(d time.Duration) {
	if m == nil {
		return
	}
	m.tokenWait.Observe(d.Seconds())
}

func (m *Metrics) tokenTimeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

func (m *Metrics) tokenStolen() {
	if m == nil {
		return
	}
	m.stolen.Inc()
}
