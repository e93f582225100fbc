// Package locking keeps a single probe instance attached to a source database.
package locking

import (
	"context"
	"errors"
)

// ErrLocked is returned by AcquireLock when another instance holds the lock
var ErrLocked = errors.New("lock is held by another instance")

// DistributedLocker defines an interface for a single-instance locking mechanism.
type DistributedLocker interface {
	// AcquireLock takes the lock for lockName and returns a lease ID, or ErrLocked.
	AcquireLock(ctx context.Context, lockName string) (string, error)

	// ReleaseLock releases the lock associated with the provided lease ID.
	ReleaseLock(ctx context.Context, lockName string, leaseID string) error

	// RenewLock extends the lock before it expires.
	RenewLock(ctx context.Context, lockName string) error

	// StartLockRenewal renews the lock in the background until ctx is done.
	StartLockRenewal(ctx context.Context, lockName string)
}

// noopLocker never contends; used when locking is disabled
type noopLocker struct{}

func (noopLocker) AcquireLock(context.Context, string) (string, error) { return "none", nil }
func (noopLocker) ReleaseLock(context.Context, string, string) error   { return nil }
func (noopLocker) RenewLock(context.Context, string) error             { return nil }
func (noopLocker) StartLockRenewal(context.Context, string)            {}
