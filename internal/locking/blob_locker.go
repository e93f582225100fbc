package locking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-probe/internal/logging"
)

// DefaultLeaseTTL is the blob lease duration. Azure accepts 15 to 60 seconds
// for finite leases; renewal runs at a third of it.
const DefaultLeaseTTL = 60 * time.Second

// BlobLocker holds a finite lease on a blob. A probe that dies stops renewing
// and the lease lapses on its own.
type BlobLocker struct {
	containerName string
	lockTTL       time.Duration
	lockName      string

	blobLeaseClient *lease.BlobClient
	logger          hclog.Logger
}

// NewBlobLocker ensures the container and lock blob exist and prepares a lease client
func NewBlobLocker(ctx context.Context, connectionString, containerName, lockName string, logger hclog.Logger) (*BlobLocker, error) {
	if connectionString == "" {
		return nil, errors.New("blob locker requires a storage connection string")
	}
	if containerName == "" {
		return nil, errors.New("blob locker requires a container name")
	}

	azblobClient, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	_, err = azblobClient.CreateContainer(ctx, containerName, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("failed to create or check container: %w", err)
	}

	blockblobClient, err := blockblob.NewClientFromConnectionString(connectionString, containerName, lockName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create block blob client: %w", err)
	}
	_, err = blockblobClient.UploadBuffer(ctx, []byte{}, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.LeaseIDMissing) {
		return nil, fmt.Errorf("failed to ensure blob exists: %w", err)
	}

	blobLeaseClient, err := lease.NewBlobClient(blockblobClient, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob lease client: %w", err)
	}

	return &BlobLocker{
		containerName:   containerName,
		lockTTL:         DefaultLeaseTTL,
		lockName:        lockName,
		blobLeaseClient: blobLeaseClient,
		logger:          logging.OrDefault(logger).Named("lock"),
	}, nil
}

// AcquireLock tries to acquire a lease on the blob
func (bl *BlobLocker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	bl.logger.Debug("Attempting to acquire lock", "blob", bl.lockName)

	resp, err := bl.blobLeaseClient.AcquireLease(ctx, int32(bl.lockTTL.Seconds()), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.LeaseAlreadyPresent) {
			bl.logger.Warn("Lock is held by another instance", "blob", bl.lockName)
			return "", fmt.Errorf("%s/%s: %w", bl.containerName, bl.lockName, ErrLocked)
		}
		return "", fmt.Errorf("failed to acquire lock for blob %s: %w", bl.lockName, err)
	}

	bl.logger.Info("Lock acquired", "blob", bl.lockName, "lease", *resp.LeaseID, "ttl", bl.lockTTL)
	return *resp.LeaseID, nil
}

func (bl *BlobLocker) RenewLock(ctx context.Context, lockName string) error {
	if _, err := bl.blobLeaseClient.RenewLease(ctx, nil); err != nil {
		return fmt.Errorf("failed to renew lock for blob %s: %w", lockName, err)
	}
	bl.logger.Trace("Lock renewed", "blob", lockName)
	return nil
}

// ReleaseLock releases the lease so the next instance can start immediately
func (bl *BlobLocker) ReleaseLock(ctx context.Context, lockName string, leaseID string) error {
	if _, err := bl.blobLeaseClient.ReleaseLease(ctx, &lease.BlobReleaseOptions{}); err != nil {
		return fmt.Errorf("failed to release lock for blob %s: %w", bl.lockName, err)
	}
	bl.logger.Info("Lock released", "blob", bl.lockName)
	return nil
}

func (bl *BlobLocker) StartLockRenewal(ctx context.Context, lockName string) {
	bl.logger.Debug("Starting lock renewal", "blob", lockName)
	go func() {
		ticker := time.NewTicker(bl.lockTTL / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := bl.RenewLock(ctx, bl.lockName); err != nil {
					bl.logger.Error("Failed to renew lock", "blob", lockName, "error", err)
				}
			case <-ctx.Done():
				bl.logger.Debug("Stopping lock renewal", "blob", lockName)
				return
			}
		}
	}()
}

// GetBlobLockName returns the blob name used to lock a source
func GetBlobLockName(source string) string {
	return source + ".lock"
}
