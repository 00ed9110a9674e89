package shm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/bytebufferpool"

	"github.com/danielmulangu/shmvar/api"
)

var (
	_ api.VersionedVariable[int32] = (*Var[int32])(nil)

	errUnchanged = errors.New("variable unchanged")
)

// Var is a typed view over one block. T must have a fixed binary size:
// fixed-width numbers, bools, arrays of them and structs made of them.
// Values are stored in native byte order, so int32 occupies 4 bytes laid out
// as the peer process would lay out a C int. Var owns no memory; any number
// of Vars in any process may view the same block.
type Var[T any] struct {
	pool  *Pool
	block Block
}

// NewVar allocates block id in pool with the size of T.
func NewVar[T any](ctx context.Context, pool *Pool, id uint32) (*Var[T], error) {
	var zero T
	n := binary.Size(zero)
	if n <= 0 {
		return nil, fmt.Errorf("%w: %T", ErrInvalidType, zero)
	}
	b, err := pool.Allocate(ctx, id, n)
	if err != nil {
		return nil, err
	}
	return &Var[T]{pool: pool, block: b}, nil
}

// Block returns the block the variable views.
func (v *Var[T]) Block() Block {
	return v.block
}

// Pool returns the pool the variable lives in.
func (v *Var[T]) Pool() *Pool {
	return v.pool
}

// Get returns the value written by the last Set that released the token
// before this Get acquired it.
func (v *Var[T]) Get(ctx context.Context) (T, error) {
	value, _, err := v.load(ctx)
	return value, err
}

// Set stores value. It is visible to every later Get, in this process or another.
func (v *Var[T]) Set(ctx context.Context, value T) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := v.encode(buf, value); err != nil {
		return err
	}
	return v.pool.access(ctx, v.block, opSet, func(payload []byte) (bool, error) {
		copy(payload, buf.B)
		return true, nil
	})
}

// Update replaces the value with fn(old) under a single token hold and
// returns the new value. fn runs with the token held: it must be short and
// must not touch other variables.
func (v *Var[T]) Update(ctx context.Context, fn func(T) T) (T, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	var next T
	err := v.pool.access(ctx, v.block, opUpdate, func(payload []byte) (bool, error) {
		var cur T
		if _, err := binary.Decode(payload, binary.NativeEndian, &cur); err != nil {
			return false, fmt.Errorf("decode block %d: %w", v.block.ID, err)
		}
		next = fn(cur)
		if err := v.encode(buf, next); err != nil {
			return false, err
		}
		copy(payload, buf.B)
		return true, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return next, nil
}

// Version returns the number of writes the block has seen.
func (v *Var[T]) Version(ctx context.Context) (uint32, error) {
	return v.pool.version(v.block)
}

// WaitChange blocks until the block version differs from since, then returns
// the value with the version it was read at. It fails with ErrTimeout when
// ctx is done first.
func (v *Var[T]) WaitChange(ctx context.Context, since uint32) (T, uint32, error) {
	var zero T
	op := func() error {
		cur, err := v.pool.version(v.block)
		if err != nil {
			return backoff.Permanent(err)
		}
		if cur == since {
			return errUnchanged
		}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = v.pool.cfg.PollInterval / 8
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Microsecond
	}
	b.MaxInterval = v.pool.cfg.PollInterval
	b.MaxElapsedTime = 0
	b.Reset()
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if ctx.Err() != nil {
			return zero, since, fmt.Errorf("%w: block %d still at version %d: %w", ErrTimeout, v.block.ID, since, ctx.Err())
		}
		return zero, since, err
	}
	return v.load(ctx)
}

// WaitFor blocks until cond holds for the value and returns it.
func (v *Var[T]) WaitFor(ctx context.Context, cond func(T) bool) (T, error) {
	value, version, err := v.load(ctx)
	for err == nil && !cond(value) {
		value, version, err = v.WaitChange(ctx, version)
	}
	return value, err
}

func (v *Var[T]) load(ctx context.Context) (T, uint32, error) {
	var out T
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	var version uint32
	err := v.pool.access(ctx, v.block, opGet, func(payload []byte) (bool, error) {
		buf.B = append(buf.B[:0], payload...)
		version = v.pool.slot(v.block.ID).version()
		return false, nil
	})
	if err != nil {
		return out, 0, err
	}
	if _, err := binary.Decode(buf.B, binary.NativeEndian, &out); err != nil {
		return out, 0, fmt.Errorf("decode block %d: %w", v.block.ID, err)
	}
	return out, version, nil
}

func (v *Var[T]) encode(buf *bytebufferpool.ByteBuffer, value T) error {
	var err error
	buf.B, err = binary.Append(buf.B[:0], binary.NativeEndian, value)
	if err != nil {
		return fmt.Errorf("%w: encode %T: %w", ErrInvalidType, value, err)
	}
	if len(buf.B) != v.block.Length {
		return fmt.Errorf("%w: %T encodes to %d bytes, block %d holds %d", ErrInvalidType, value, len(buf.B), v.block.ID, v.block.Length)
	}
	return nil
}
