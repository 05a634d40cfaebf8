package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"mailtriage/internal/errs"
	"mailtriage/pkg/filelock"
	"mailtriage/pkg/jsonfile"
	"mailtriage/pkg/metrics"
	"mailtriage/pkg/util"
)

// jsonStore serializes access to one JSON document across goroutines and
// processes through a sidecar lock file.
type jsonStore struct {
	name     string
	path     string
	lockOpts filelock.Options
	logger   *zap.Logger
}

func newJSONStore(name, path string, opts filelock.Options, logger *zap.Logger) *jsonStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &jsonStore{
		name:     name,
		path:     path,
		lockOpts: opts,
		logger:   logger.With(zap.String("store", name)),
	}
}

func (s *jsonStore) lockPath() string {
	return s.path + ".lock"
}

func (s *jsonStore) acquire(ctx context.Context) (*filelock.Lock, error) {
	start := time.Now()
	lock, err := filelock.Acquire(ctx, s.lockPath(), s.lockOpts)
	if err != nil {
		metrics.RecordLockWait(s.name, "timeout", time.Since(start))
		if errors.Is(err, filelock.ErrTimeout) {
			return nil, errs.Wrap(errs.ErrLockTimeout, errs.CodeLockTimeout,
				fmt.Sprintf("lock %s", filepath.Base(s.path)), err)
		}
		if util.IsTransientIOError(err) {
			return nil, errs.Wrap(errs.ErrTransientIO, errs.CodeTransientIO,
				fmt.Sprintf("lock %s", filepath.Base(s.path)), err)
		}
		return nil, err
	}
	metrics.RecordLockWait(s.name, "acquired", time.Since(start))
	return lock, nil
}

func (s *jsonStore) release(lock *filelock.Lock) {
	if err := lock.Release(); err != nil {
		s.logger.Warn("Failed to release file lock", zap.Error(err))
	}
}

// read decodes the document into v. It waits for the lock like a writer
// does, but the lock is not required: when it cannot be taken (busy, or the
// lock file itself is unusable) the file is read without it. Renames are
// atomic, so the worst case is a slightly older snapshot.
func (s *jsonStore) read(ctx context.Context, v any) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("read", s.name, time.Since(start)) }()

	lock, err := s.acquire(ctx)
	switch {
	case err == nil:
		defer s.release(lock)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false, err
	case errors.Is(err, errs.ErrLockTimeout):
		s.logger.Warn("Lock busy, reading without it", zap.Error(err))
	default:
		s.logger.Warn("Lock unavailable, reading without it", zap.Error(err))
	}

	found, err := jsonfile.Read(s.path, v)
	if err != nil {
		return found, s.ioError("read", err)
	}
	return found, nil
}

// update runs load → fn → save under the lock. fn reports whether anything
// changed; nothing is written otherwise.
func (s *jsonStore) update(ctx context.Context, op string, v any, fn func(found bool) (bool, error)) error {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation(op, s.name, time.Since(start)) }()

	lock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.release(lock)

	found, err := jsonfile.Read(s.path, v)
	if err != nil {
		return s.ioError("read", err)
	}

	changed, err := fn(found)
	if err != nil || !changed {
		return err
	}

	if err := jsonfile.Write(s.path, v); err != nil {
		return s.ioError("write", err)
	}
	return nil
}

func (s *jsonStore) ioError(op string, err error) error {
	if util.IsTransientIOError(err) {
		return errs.Wrap(errs.ErrTransientIO, errs.CodeTransientIO,
			fmt.Sprintf("%s %s", op, filepath.Base(s.path)), err)
	}
	return fmt.Errorf("%s %s: %w", op, filepath.Base(s.path), err)
}
