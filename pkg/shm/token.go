package shm

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"

	internalshm "github.com/danielmulangu/shmvar/internal/shm"
)

const (
	tokenFree       uint32 = 0
	tokenSpinTries         = 64
	tokenMinBackoff        = 10 * time.Microsecond
	tokenMaxBackoff        = time.Millisecond
)

var errTokenBusy = errors.New("token busy")

// token is the per-slot mutex living in shared memory. The word is 0 when
// free and holds the owner's pid while held. It is not reentrant: a caller
// must hold at most one token and only for a copy in or out of the slot.
type token struct {
	addr    unsafe.Pointer
	owner   uint32
	timeout time.Duration
	alive   func(pid uint32) bool
	metrics *Metrics
}

func (p *Pool) token(slot slotHeader) token {
	return token{
		addr:    slot.tokenAddr(),
		owner:   p.owner,
		timeout: p.cfg.LockTimeout,
		alive:   p.alive,
		metrics: p.metrics,
	}
}

func (t token) tryAcquire() bool {
	return internalshm.AtomicCompareAndSwapUint32(t.addr, tokenFree, t.owner)
}

func (t token) holder() uint32 {
	return internalshm.AtomicLoadUint32(t.addr)
}

// acquire spins briefly, then backs off until the token is free, the
// timeout has fully elapsed or ctx is done. A token held by a pid that no longer
// exists is taken over.
func (t token) acquire(ctx context.Context) error {
	if t.tryAcquire() {
		return nil
	}
	start := time.Now()
	for i := 0; i < tokenSpinTries; i++ {
		runtime.Gosched()
		if t.tryAcquire() {
			t.metrics.observeTokenWait(time.Since(start))
			return nil
		}
	}

	// the deadline counts from start, spinning included
	wctx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithDeadline(ctx, start.Add(t.timeout))
		defer cancel()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = tokenMinBackoff
	b.MaxInterval = tokenMaxBackoff
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()

	op := func() error {
		if t.tryAcquire() {
			return nil
		}
		if h := t.holder(); h != tokenFree && h != t.owner && !t.alive(h) {
			if internalshm.AtomicCompareAndSwapUint32(t.addr, h, t.owner) {
				internalLogger.Warnf("took over token held by dead pid %d", h)
				t.metrics.tokenStolen()
				return nil
			}
		}
		return errTokenBusy
	}
	err := backoff.Retry(op, backoff.WithContext(b, wctx))
	if err != nil && ctx.Err() == nil && op() == nil {
		// last attempt at the deadline
		err = nil
	}
	waited := time.Since(start)
	t.metrics.observeTokenWait(waited)
	if err != nil {
		t.metrics.tokenTimeout()
		return fmt.Errorf("%w: token held by pid %d after %s: %w", ErrTimeout, t.holder(), waited, err)
	}
	return nil
}

func (t token) release() {
	if !internalshm.AtomicCompareAndSwapUint32(t.addr, t.owner, tokenFree) {
		internalLogger.Errorf("token release by pid %d but held by pid %d", t.owner, t.holder())
	}
}
