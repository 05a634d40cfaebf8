package pipeline

import (
	"errors"
	"io/fs"
	"math"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailtriage/pkg/jsonfile"
)

// ErrorSignalFile is written next to the mailbox while a last error is set.
const ErrorSignalFile = "_last_error.json"

// LastError is the most recent error worth showing to a person.
type LastError struct {
	Message string `json:"message"`
	// Timestamp is Unix time in (fractional) seconds.
	Timestamp float64 `json:"timestamp"`
}

// Time converts Timestamp.
func (e LastError) Time() time.Time {
	sec, frac := math.Modf(e.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9))
}

func newLastError(msg string, now time.Time) LastError {
	return LastError{Message: msg, Timestamp: float64(now.UnixNano()) / 1e9}
}

// lastErrorSignal keeps the in-memory record and mirrors it to the signal file
// so that other processes can see it.
type lastErrorSignal struct {
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	current *LastError
}

func (s *lastErrorSignal) set(e LastError) {
	s.mu.Lock()
	s.current = &e
	s.mu.Unlock()

	if s.path == "" {
		return
	}
	if err := jsonfile.Write(s.path, e); err != nil {
		s.logger.Warn("Failed to write error signal file", zap.String("path", s.path), zap.Error(err))
	}
}

func (s *lastErrorSignal) clear() error {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()

	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// get returns the in-memory record, falling back to the signal file written
// by another process.
func (s *lastErrorSignal) get() *LastError {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur != nil {
		c := *cur
		return &c
	}
	if s.path == "" {
		return nil
	}

	var e LastError
	found, err := jsonfile.Read(s.path, &e)
	if err != nil {
		s.logger.Debug("Unreadable error signal file", zap.String("path", s.path), zap.Error(err))
		return nil
	}
	if !found || e.Message == "" {
		return nil
	}
	return &e
}
