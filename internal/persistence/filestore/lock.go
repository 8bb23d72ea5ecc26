package filestore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	tlErrors "github.com/harunnryd/threadline/internal/errors"
)

const lockFileName = "sessions.lock"

// FileLock keeps a second process from writing the same user directory.
type FileLock struct {
	mu         sync.Mutex
	flock      *flock.Flock
	path       string
	acquiredAt time.Time
}

// AcquireFileLock polls for the lock of dir until it is free, the retry
// budget runs out or the timeout elapses.
func AcquireFileLock(dir string, cfg Config) (*FileLock, error) {
	cfg = cfg.withDefaults()
	path := filepath.Join(dir, lockFileName)
	fl := flock.New(path)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.LockTimeout)
	defer cancel()

	busy := fmt.Errorf("sessions in %s are locked by another process (waited %v): %w",
		dir, cfg.LockTimeout, tlErrors.ErrBusy)

	for i := 0; i < cfg.LockMaxRetry; i++ {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, tlErrors.WrapWithCategory(err, "attempt lock "+path, tlErrors.ErrStore)
		}
		if locked {
			slog.Debug("Session lock acquired", "path", path)
			return &FileLock{flock: fl, path: path, acquiredAt: time.Now()}, nil
		}
		if i == cfg.LockMaxRetry-1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, busy
		case <-time.After(cfg.LockRetry):
		}
	}

	return nil, busy
}

// Unlock releases the lock. Calling it twice is harmless.
func (l *FileLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.flock == nil {
		return
	}
	if err := l.flock.Unlock(); err != nil {
		slog.Error("Failed to release session lock", "path", l.path, "error", err)
	} else {
		slog.Debug("Session lock released", "path", l.path, "held_ms", time.Since(l.acquiredAt).Milliseconds())
	}
	l.flock = nil
}

func (l *FileLock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flock != nil
}
