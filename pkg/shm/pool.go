package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	internalshm "github.com/danielmulangu/shmvar/internal/shm"
)

const (
	instrumentationName = "github.com/danielmulangu/shmvar/pkg/shm"
	maxAttachAttempts   = 5
	attachRetryInterval = time.Millisecond
)

var (
	errPoolNotReady  = errors.New("pool header not ready")
	errPoolDestroyed = errors.New("pool destroyed while attaching")
)

// Registry opens pools for this process and keeps track of every open handle.
type Registry struct {
	cfg     Config
	metrics *Metrics
	pools   cmap.ConcurrentMap[string, *Pool]
	seq     atomic.Uint64
	pid     uint32
}

// NewRegistry validates config and returns a registry. A nil config uses DefaultConfig.
func NewRegistry(config *Config) (*Registry, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	cfg := *config
	if cfg.Meter == nil {
		cfg.Meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	metrics, err := NewMetrics(cfg.Registerer, cfg.Meter)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	return &Registry{
		cfg:     cfg,
		metrics: metrics,
		pools:   cmap.New[*Pool](),
		pid:     uint32(os.Getpid()),
	}, nil
}

// Config returns a copy of the registry configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// CreateOrAttach maps the pool named by key, creating it zero-filled with
// size bytes when no process has created it yet. It fails with
// ErrAllocation when the pool exists with another size and with
// ErrResource when the segment cannot be created or mapped.
func (r *Registry) CreateOrAttach(ctx context.Context, key, size int) (p *Pool, err error) {
	ctx, span := r.cfg.Tracer.Start(ctx, "shm.CreateOrAttach", trace.WithAttributes(
		attribute.Int("shm.key", key),
		attribute.Int("shm.size", size),
	))
	defer func() { endSpan(span, err) }()

	if key <= 0 {
		return nil, fmt.Errorf("%w: pool key %d must be positive", ErrAllocation, key)
	}
	if size < poolHeaderSize+minSlotSize {
		return nil, fmt.Errorf("%w: pool size %d below the minimum %d", ErrCapacity, size, poolHeaderSize+minSlotSize)
	}
	// a destroyed segment is unlinked shortly after it is marked; give the
	// destroyer time to finish before opening again
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = attachRetryInterval
	b.MaxInterval = 20 * attachRetryInterval
	b.MaxElapsedTime = 0
	b.Reset()
	attempt := 0
	op := func() error {
		attempt++
		var oerr error
		if p, oerr = r.open(ctx, key, size); oerr == nil {
			return nil
		}
		if errors.Is(oerr, errPoolDestroyed) {
			internalLogger.Infof("pool %d destroyed while attaching, attempt %d", key, attempt)
			return oerr
		}
		return backoff.Permanent(oerr)
	}
	err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, maxAttachAttempts-1), ctx))
	if err != nil {
		p = nil
		if errors.Is(err, errPoolDestroyed) || errors.Is(err, ctx.Err()) {
			return nil, fmt.Errorf("%w: pool %d: %w", ErrResource, key, err)
		}
		return nil, err
	}
	span.SetAttributes(attribute.Bool("shm.created", p.created))
	return p, nil
}

func (r *Registry) open(ctx context.Context, key, size int) (*Pool, error) {
	opts := r.cfg.mapOptions(key, size)
	region, err := r.cfg.Backend.Open(ctx, opts)
	if err != nil {
		if errors.Is(err, internalshm.ErrSizeMismatch) {
			return nil, fmt.Errorf("%w: pool %d: %w", ErrAllocation, key, err)
		}
		return nil, fmt.Errorf("%w: pool %d: %w", ErrResource, key, err)
	}

	if !internalshm.Aligned(internalshm.PointerAt(region.Data, 0), 8) {
		if region.Created {
			r.abandon(region, opts)
		} else {
			_ = r.cfg.Backend.Close(region)
		}
		return nil, fmt.Errorf("%w: pool %d mapped at a misaligned address", ErrResource, key)
	}

	hdr := poolHeader(region.Data[:poolHeaderSize])
	var lay layout
	if region.Created {
		lay, err = newLayout(size, r.cfg.SlotSize)
		if err != nil {
			r.abandon(region, opts)
			return nil, err
		}
		hdr.init(size, lay, r.pid)
	} else {
		if err := r.waitAttach(ctx, hdr); err != nil {
			_ = r.cfg.Backend.Close(region)
			if errors.Is(err, errPoolDestroyed) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: pool %d: %w", ErrResource, key, err)
		}
		// the header must not be read once Close has unmapped it
		magic, version, have := hdr.magic(), hdr.version(), hdr.size()
		if magic != poolMagic || version != poolVersion {
			hdr.detach()
			_ = r.cfg.Backend.Close(region)
			return nil, fmt.Errorf("%w: %s is not a version %d pool (magic %#x version %d)",
				ErrResource, region.Path, poolVersion, magic, version)
		}
		if have != uint64(size) {
			hdr.detach()
			_ = r.cfg.Backend.Close(region)
			return nil, fmt.Errorf("%w: pool %d has %d bytes, requested %d", ErrAllocation, key, have, size)
		}
		lay = layout{slotSize: hdr.slotSize(), slotCount: hdr.slotCount()}
		if lay.slotSize != r.cfg.SlotSize {
			internalLogger.Warnf("pool %d uses slot size %d, configured %d; following the pool", key, lay.slotSize, r.cfg.SlotSize)
		}
	}

	p := &Pool{
		key:      key,
		handle:   strconv.FormatUint(r.seq.Add(1), 10),
		registry: r,
		cfg:      &r.cfg,
		opts:     opts,
		region:   region,
		header:   hdr,
		layout:   lay,
		created:  region.Created,
		owner:    r.pid,
		alive:    r.holderAlive,
		metrics:  r.metrics,
	}
	r.pools.Set(p.handle, p)
	r.metrics.poolOpened(p.created)
	_, attached := hdr.lifecycle()
	internalLogger.Infof("pool %d %s path:%s size:%d slots:%d attached:%d",
		key, p.role(), region.Path, size, lay.slotCount, attached)
	return p, nil
}

// waitAttach waits for the creator to publish the header, then counts this handle in.
func (r *Registry) waitAttach(ctx context.Context, hdr poolHeader) error {
	op := func() error {
		state, ok := hdr.tryAttach()
		if ok {
			return nil
		}
		if state == poolStateDestroyed {
			return backoff.Permanent(errPoolDestroyed)
		}
		return errPoolNotReady
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = r.cfg.AttachTimeout
	b.Reset()
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// holderAlive reports every holder alive unless dead token takeover is enabled.
func (r *Registry) holderAlive(pid uint32) bool {
	if !r.cfg.TakeOverDeadTokens {
		return true
	}
	return internalshm.ProcessAlive(pid)
}

func (r *Registry) abandon(region *internalshm.MappedRegion, opts internalshm.MapOptions) {
	if err := r.cfg.Backend.Close(region); err != nil {
		internalLogger.Warnf("close %s: %v", region.Path, err)
	}
	if err := r.cfg.Backend.Remove(opts); err != nil {
		internalLogger.Warnf("remove %s: %v", region.Path, err)
	}
}

// Pools returns the pool handles open in this process.
func (r *Registry) Pools() []*Pool {
	pools := make([]*Pool, 0, r.pools.Count())
	for item := range r.pools.IterBuffered() {
		pools = append(pools, item.Val)
	}
	return pools
}

// Metrics returns the collectors shared by the registry's pools.
func (r *Registry) Metrics() *Metrics {
	return r.metrics
}

// Close detaches every handle still open in this process.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, p := range r.Pools() {
		if err := p.Detach(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pool is one process's handle on a shared pool. Blocks and variables derived
// from it must not be used after Detach or Destroy; they return ErrClosed.
type Pool struct {
	key      int
	handle   string
	registry *Registry
	cfg      *Config
	opts     internalshm.MapOptions
	region   *internalshm.MappedRegion
	header   poolHeader
	layout   layout
	created  bool
	owner    uint32
	alive    func(pid uint32) bool
	metrics  *Metrics

	// mu is held shared by every access to the mapping and exclusively by
	// Detach and Destroy, so the region is never unmapped under a reader.
	mu     sync.RWMutex
	closed bool
}

// Key returns the pool key.
func (p *Pool) Key() int { return p.key }

// Size returns the pool size in bytes.
func (p *Pool) Size() int { return p.opts.Size }

// Name returns the segment name.
func (p *Pool) Name() string { return p.opts.Name }

// Path returns where the segment lives.
func (p *Pool) Path() string { return p.region.Path }

// Created reports whether this handle created the segment.
func (p *Pool) Created() bool { return p.created }

// AttachCount returns the number of handles attached across all processes.
func (p *Pool) AttachCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0
	}
	_, attached := p.header.lifecycle()
	return int(attached)
}

// Closed reports whether this handle was detached or destroyed.
func (p *Pool) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Healthy returns nil while the mapping is usable and no peer destroyed the pool.
func (p *Pool) Healthy() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if p.header.magic() != poolMagic {
		return fmt.Errorf("%w: pool %d header corrupt", ErrResource, p.key)
	}
	if state, _ := p.header.lifecycle(); state == poolStateDestroyed {
		return fmt.Errorf("%w: pool %d destroyed by a peer", ErrResource, p.key)
	}
	return nil
}

// Detach unmaps the pool for this handle. The segment stays for the other
// attached handles. Detaching twice is a no-op.
func (p *Pool) Detach(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	remaining := p.header.detach()
	err := p.cfg.Backend.Close(p.region)
	p.mu.Unlock()

	p.registry.pools.Remove(p.handle)
	p.metrics.poolDetached()
	internalLogger.Infof("pool %d detached, %d handles remain", p.key, remaining)
	if err != nil {
		return fmt.Errorf("%w: detach pool %d: %w", ErrResource, p.key, err)
	}
	return nil
}

// Destroy removes the segment from the system. Under DestroyStrict it fails
// with ErrInUse while another handle is attached. Under DestroyBestEffort the
// segment is removed anyway; peers keep their mapping until they detach.
// Destroying a closed handle is a no-op.
func (p *Pool) Destroy(ctx context.Context) (err error) {
	_, span := p.cfg.Tracer.Start(ctx, "shm.Destroy", trace.WithAttributes(
		attribute.Int("shm.key", p.key),
		attribute.String("shm.policy", p.cfg.DestroyPolicy.String()),
	))
	defer func() { endSpan(span, err) }()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if state, _ := p.header.lifecycle(); state == poolStateDestroyed {
		// a peer already removed the segment; the name may now belong to a new pool
		p.mu.Unlock()
		internalLogger.Infof("pool %d already destroyed by a peer, detaching", p.key)
		return p.Detach(ctx)
	}
	others, ok := p.header.markDestroyed(p.cfg.DestroyPolicy == DestroyStrict)
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: pool %d has %d other handles attached", ErrInUse, p.key, others)
	}
	p.closed = true
	var errs []error
	if err := p.cfg.Backend.Close(p.region); err != nil {
		errs = append(errs, err)
	}
	if err := p.cfg.Backend.Remove(p.opts); err != nil {
		errs = append(errs, err)
	}
	p.mu.Unlock()

	p.registry.pools.Remove(p.handle)
	p.metrics.poolDestroyed()
	if others > 0 {
		internalLogger.Warnf("pool %d removed with %d handles still attached", p.key, others)
	} else {
		internalLogger.Infof("pool %d destroyed", p.key)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: destroy pool %d: %w", ErrResource, p.key, errors.Join(errs...))
	}
	return nil
}

// access runs fn with the block's token held. fn reports whether it wrote
// the payload, in which case the block version is bumped before release.
func (p *Pool) access(ctx context.Context, b Block, op string, fn func(payload []byte) (bool, error)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	slot := p.slot(b.ID)
	tok := p.token(slot)
	if err := tok.acquire(ctx); err != nil {
		return err
	}
	wrote, err := fn(p.payload(b))
	if wrote {
		slot.bumpVersion()
	}
	tok.release()
	if err != nil {
		return err
	}
	p.metrics.op(ctx, op)
	return nil
}

func (p *Pool) version(b Block) (uint32, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, ErrClosed
	}
	return p.slot(b.ID).version(), nil
}

func (p *Pool) role() string {
	if p.created {
		return "created"
	}
	return "attached"
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
