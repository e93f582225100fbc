package locking

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-probe/internal/logging"
)

// FileLocker holds an exclusive flock on a file. The OS drops the lock when the
// process dies, so a crashed instance never blocks its successor.
type FileLocker struct {
	path   string
	lock   *flock.Flock
	logger hclog.Logger
}

// NewFileLocker creates a locker for the lock file at path
func NewFileLocker(path string, logger hclog.Logger) *FileLocker {
	return &FileLocker{
		path:   path,
		lock:   flock.New(path),
		logger: logging.OrDefault(logger).Named("lock"),
	}
}

// AcquireLock takes the lock without waiting
func (fl *FileLocker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	if dir := filepath.Dir(fl.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create lock directory: %w", err)
		}
	}
	ok, err := fl.lock.TryLock()
	if err != nil {
		return "", fmt.Errorf("failed to lock %s: %w", fl.path, err)
	}
	if !ok {
		fl.logger.Warn("Lock is held by another instance", "lock", lockName, "path", fl.path)
		return "", fmt.Errorf("%s: %w", fl.path, ErrLocked)
	}
	leaseID := strconv.Itoa(os.Getpid())
	fl.logger.Info("Lock acquired", "lock", lockName, "path", fl.path, "pid", leaseID)
	return leaseID, nil
}

// ReleaseLock unlocks the file
func (fl *FileLocker) ReleaseLock(ctx context.Context, lockName string, leaseID string) error {
	if err := fl.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", fl.path, err)
	}
	fl.logger.Info("Lock released", "lock", lockName, "path", fl.path)
	return nil
}

// RenewLock is a no-op; file locks do not expire
func (fl *FileLocker) RenewLock(ctx context.Context, lockName string) error { return nil }

// StartLockRenewal is a no-op; file locks do not expire
func (fl *FileLocker) StartLockRenewal(ctx context.Context, lockName string) {}
