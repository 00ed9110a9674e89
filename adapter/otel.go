package adapter

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/danielmulangu/shmvar/pkg/shm"
)

// RegisterPoolGauges reports, for each pool open in reg, the attach count
// across processes and the number of claimed blocks. Unregister the returned
// registration to stop reporting.
func RegisterPoolGauges(meter metric.Meter, reg *shm.Registry) (metric.Registration, error) {
	attached, err := meter.Int64ObservableGauge("shmvar.pool.attached",
		metric.WithDescription("Handles attached to the pool across all processes."),
		metric.WithUnit("{handle}"))
	if err != nil {
		return nil, err
	}
	blocks, err := meter.Int64ObservableGauge("shmvar.pool.blocks",
		metric.WithDescription("Blocks claimed in the pool."),
		metric.WithUnit("{block}"))
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, p := range reg.Pools() {
			claimed, err := p.Blocks()
			if err != nil {
				continue
			}
			attrs := metric.WithAttributes(attribute.Int("shm.key", p.Key()))
			o.ObserveInt64(attached, int64(p.AttachCount()), attrs)
			o.ObserveInt64(blocks, int64(len(claimed)), attrs)
		}
		return nil
	}, attached, blocks)
}
