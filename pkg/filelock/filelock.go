// Package filelock provides an exclusive advisory lock on a sidecar file,
// usable across goroutines and OS processes.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	DefaultTimeout  = 5 * time.Second
	DefaultInterval = 50 * time.Millisecond
)

// ErrTimeout is returned when the lock could not be obtained in time.
var ErrTimeout = errors.New("timed out waiting for file lock")

// Lock is a held lock. Release must be called exactly once.
type Lock struct {
	f    *os.File
	path string
}

// Options bound the wait for a lock.
type Options struct {
	Timeout  time.Duration
	Interval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	return o
}

// Acquire takes an exclusive lock on path, creating the file if needed. It
// polls every opts.Interval and gives up with ErrTimeout after opts.Timeout,
// or earlier with ctx.Err() when ctx is done.
func Acquire(ctx context.Context, path string, opts Options) (*Lock, error) {
	opts = opts.withDefaults()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(opts.Timeout)
	for {
		ok, err := tryLock(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if ok {
			return &Lock{f: f, path: path}, nil
		}
		if !time.Now().Before(deadline) {
			f.Close()
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, path, opts.Timeout)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(opts.Interval):
		}
	}
}

// Release unlocks and closes the lock file. The file itself is left in place;
// removing it would let a waiter lock an unlinked inode.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
