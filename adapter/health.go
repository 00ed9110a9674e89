// Package adapter exposes pool state to external health and telemetry systems.
package adapter

import (
	"errors"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"

	internalshm "github.com/danielmulangu/shmvar/internal/shm"
	"github.com/danielmulangu/shmvar/pkg/shm"
)

const readinessTimeout = time.Second

// RegisterPoolChecks adds a liveness check failing once any pool open in reg
// was destroyed by a peer or has a corrupt header, and a readiness check
// failing while the segment directory has less than minFree bytes free.
func RegisterPoolChecks(h healthcheck.Handler, reg *shm.Registry, minFree uint64) {
	h.AddLivenessCheck("shm-pools", PoolsHealthy(reg))
	dir := reg.Config().Dir
	h.AddReadinessCheck("shm-free-space", healthcheck.Timeout(func() error {
		free, err := internalshm.FreeSpace(dir)
		if err != nil {
			return err
		}
		if free < minFree {
			return fmt.Errorf("%s has %d bytes free, need %d", dir, free, minFree)
		}
		return nil
	}, readinessTimeout))
}

// PoolsHealthy returns a check over every pool open in reg.
func PoolsHealthy(reg *shm.Registry) healthcheck.Check {
	return func() error {
		var errs []error
		for _, p := range reg.Pools() {
			if err := p.Healthy(); err != nil && !errors.Is(err, shm.ErrClosed) {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
