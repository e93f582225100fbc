package locking

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-probe/internal/config"
)

// LockerFactory creates instances of DistributedLocker based on the configuration
type LockerFactory struct {
	cfg        config.LockConfig
	bufferPath string
	logger     hclog.Logger
}

// NewLockerFactory initializes a new LockerFactory. File locks live next to the buffer.
func NewLockerFactory(cfg config.LockConfig, bufferPath string, logger hclog.Logger) *LockerFactory {
	return &LockerFactory{cfg: cfg, bufferPath: bufferPath, logger: logger}
}

// CreateLocker creates a DistributedLocker for the named source
func (f *LockerFactory) CreateLocker(ctx context.Context, lockName string) (DistributedLocker, error) {
	switch f.cfg.Type {
	case config.LockFile, "":
		return NewFileLocker(f.bufferPath+".lock", f.logger), nil
	case config.LockAzureBlob:
		return NewBlobLocker(ctx, f.cfg.ConnectionString, f.cfg.ContainerName, lockName, f.logger)
	case config.LockNone:
		return noopLocker{}, nil
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", f.cfg.Type)
	}
}

// GetLockName returns the lock name for a source such as "pos-01/empresa"
func (f *LockerFactory) GetLockName(source string) string {
	switch f.cfg.Type {
	case config.LockAzureBlob:
		return GetBlobLockName(strings.ToLower(source))
	default:
		return source
	}
}
