//go:build unix

/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

// DevShm backs segments with files mapped MAP_SHARED, normally under /dev/shm.
type DevShm struct{}

// NewDevShm returns the file backed backend.
func NewDevShm() *DevShm {
	return &DevShm{}
}

// Open maps or creates a shared memory region.
func (d *DevShm) Open(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("invalid segment size %d", opts.Size)
	}
	if !pathExists(opts.Dir) {
		//ignore mkdir error, open reports it
		_ = os.MkdirAll(opts.Dir, 0o755)
	}
	path := filepath.Join(opts.Dir, opts.Name)

	created := true
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
	if errors.Is(err, unix.EEXIST) {
		created = false
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	size := opts.Size
	if created {
		if !canCreateOnDevShm(uint64(size), path) {
			d.abandon(fd, path)
			return nil, fmt.Errorf("%w: path:%s, size:%d", ErrNoSpace, path, size)
		}
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			d.abandon(fd, path)
			return nil, fmt.Errorf("ftruncate %s: %w", path, err)
		}
	} else {
		have, err := waitSized(ctx, fd, opts.WaitTimeout)
		if err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if have != int64(size) {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("%w: %s has %d bytes, want %d", ErrSizeMismatch, path, have, size)
		}
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if created {
			d.abandon(fd, path)
		} else {
			_ = unix.Close(fd)
		}
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	if created {
		clear(data)
	}
	internalLogger.Debugf("mapped %s size:%d created:%v", path, size, created)
	return &MappedRegion{
		Data:    data,
		Name:    opts.Name,
		Path:    path,
		Size:    size,
		Created: created,
		fd:      fd,
	}, nil
}

// Close unmaps and closes the shared memory region.
func (d *DevShm) Close(region *MappedRegion) error {
	if region == nil || region.Data == nil {
		return nil
	}
	var errs []error
	if err := unix.Munmap(region.Data); err != nil {
		errs = append(errs, fmt.Errorf("munmap %s: %w", region.Path, err))
	}
	if err := unix.Close(region.fd); err != nil {
		errs = append(errs, fmt.Errorf("close fd:%d: %w", region.fd, err))
	}
	region.Data = nil
	return errors.Join(errs...)
}

// Remove unlinks the segment. Existing mappings stay valid until unmapped.
func (d *DevShm) Remove(opts MapOptions) error {
	path := filepath.Join(opts.Dir, opts.Name)
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("unlink %s: %w", path, err)
	}
	internalLogger.Infof("removed segment file:%s", path)
	return nil
}

func (d *DevShm) abandon(fd int, path string) {
	if err := unix.Close(fd); err != nil {
		internalLogger.Warnf("close fd:%d, error:%s", fd, err.Error())
	}
	if err := unix.Unlink(path); err != nil {
		internalLogger.Warnf("remove file:%s failed, error=%s", path, err.Error())
	}
}

var errNotSized = errors.New("segment not truncated yet")

// waitSized waits for the creator of a segment to truncate it.
func waitSized(ctx context.Context, fd int, timeout time.Duration) (int64, error) {
	var size int64
	op := func() error {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return backoff.Permanent(err)
		}
		if st.Size == 0 {
			return errNotSized
		}
		size = st.Size
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = timeout
	b.Reset()
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, errNotSized) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return 0, fmt.Errorf("%w: %w", ErrNotReady, err)
		}
		return 0, err
	}
	return size, nil
}
