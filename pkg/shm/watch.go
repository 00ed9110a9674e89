package shm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"
)

const (
	defaultWatchQueueHint = 64
	watchDispatchBatch    = 16
)

// Watcher polls variables and runs a callback for each observed change.
// Polling happens on one goroutine; callbacks run on a bounded worker pool,
// so with more than one worker two callbacks may run concurrently.
// Changes faster than the interval are coalesced into one callback.
type Watcher struct {
	interval time.Duration
	events   *queue.Queue
	workers  *ants.Pool

	mu   sync.Mutex
	subs []subscription

	running atomic.Bool
	closed  atomic.Bool
}

type subscription interface {
	poll(ctx context.Context) (func(), bool, error)
}

type varSubscription[T any] struct {
	v    *Var[T]
	last uint32
	fn   func(T, uint32)
}

func (s *varSubscription[T]) poll(ctx context.Context) (func(), bool, error) {
	cur, err := s.v.Version(ctx)
	if err != nil || cur == s.last {
		return nil, false, err
	}
	value, version, err := s.v.load(ctx)
	if err != nil {
		return nil, false, err
	}
	s.last = version
	fn := s.fn
	return func() { fn(value, version) }, true, nil
}

// NewWatcher returns a watcher polling every interval and running callbacks
// on up to workers goroutines.
func NewWatcher(interval time.Duration, workers int) (*Watcher, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: watch interval must be positive", ErrInvalidConfig)
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(r interface{}) {
		internalLogger.Errorf("watch callback panic: %v", r)
	}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &Watcher{
		interval: interval,
		events:   queue.New(defaultWatchQueueHint),
		workers:  pool,
	}, nil
}

// Watch registers fn for changes of v made after this call.
func Watch[T any](ctx context.Context, w *Watcher, v *Var[T], fn func(value T, version uint32)) error {
	if w.closed.Load() {
		return ErrClosed
	}
	cur, err := v.Version(ctx)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.subs = append(w.subs, &varSubscription[T]{v: v, last: cur, fn: fn})
	w.mu.Unlock()
	return nil
}

// Run polls until ctx is done or Close is called. It closes the watcher on return.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("watcher already running")
	}
	if w.closed.Load() {
		return ErrClosed
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.dispatch()
	}()
	defer wg.Wait()
	defer w.Close()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if w.closed.Load() {
				return nil
			}
			w.pollOnce(ctx)
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context) {
	w.mu.Lock()
	subs := append([]subscription(nil), w.subs...)
	w.mu.Unlock()

	for _, s := range subs {
		fn, changed, err := s.poll(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				w.drop(s)
				continue
			}
			internalLogger.Warnf("watch poll: %v", err)
			continue
		}
		if changed {
			if err := w.events.Put(fn); err != nil {
				return
			}
		}
	}
}

func (w *Watcher) drop(s subscription) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, cur := range w.subs {
		if cur == s {
			w.subs = append(w.subs[:i], w.subs[i+1:]...)
			return
		}
	}
}

func (w *Watcher) dispatch() {
	for {
		items, err := w.events.Get(watchDispatchBatch)
		if err != nil {
			return
		}
		for _, item := range items {
			fn, ok := item.(func())
			if !ok {
				continue
			}
			if err := w.workers.Submit(fn); err != nil {
				internalLogger.Warnf("watch dispatch: %v", err)
			}
		}
	}
}

// Subscriptions returns the number of watched variables.
func (w *Watcher) Subscriptions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}

// Close stops dispatching and releases the worker pool. Pending events are dropped.
func (w *Watcher) Close() {
	if w.closed.Swap(true) {
		return
	}
	w.events.Dispose()
	w.workers.Release()
}
