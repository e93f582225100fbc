package locking

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-probe/internal/config"
)

func TestFileLockerExcludesSecondInstance(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "buffer.db.lock")

	first := NewFileLocker(path, hclog.NewNullLogger())
	lease, err := first.AcquireLock(ctx, "pos-01/empresa")
	require.NoError(t, err)
	assert.NotEmpty(t, lease)

	second := NewFileLocker(path, hclog.NewNullLogger())
	_, err = second.AcquireLock(ctx, "pos-01/empresa")
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.ReleaseLock(ctx, "pos-01/empresa", lease))

	lease, err = second.AcquireLock(ctx, "pos-01/empresa")
	require.NoError(t, err)
	require.NoError(t, second.ReleaseLock(ctx, "pos-01/empresa", lease))
}

func TestFactoryCreatesConfiguredLocker(t *testing.T) {
	ctx := context.Background()
	buf := filepath.Join(t.TempDir(), "buffer.db")

	tests := []struct {
		name     string
		lockType string
		check    func(t *testing.T, l DistributedLocker)
	}{
		{"file", config.LockFile, func(t *testing.T, l DistributedLocker) {
			fl, ok := l.(*FileLocker)
			require.True(t, ok)
			assert.Equal(t, buf+".lock", fl.path)
		}},
		{"default", "", func(t *testing.T, l DistributedLocker) {
			assert.IsType(t, &FileLocker{}, l)
		}},
		{"none", config.LockNone, func(t *testing.T, l DistributedLocker) {
			lease, err := l.AcquireLock(ctx, "x")
			require.NoError(t, err)
			assert.NoError(t, l.ReleaseLock(ctx, "x", lease))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewLockerFactory(config.LockConfig{Type: tt.lockType}, buf, hclog.NewNullLogger())
			l, err := f.CreateLocker(ctx, "pos-01/empresa")
			require.NoError(t, err)
			tt.check(t, l)
		})
	}

	_, err := NewLockerFactory(config.LockConfig{Type: "redis"}, buf, nil).CreateLocker(ctx, "x")
	assert.Error(t, err)
}

func TestBlobLockerRequiresSettings(t *testing.T) {
	ctx := context.Background()
	_, err := NewBlobLocker(ctx, "", "locks", "a.lock", nil)
	assert.Error(t, err)

	_, err = NewBlobLocker(ctx, "UseDevelopmentStorage=true", "", "a.lock", nil)
	assert.Error(t, err)

	_, err = NewBlobLocker(ctx, "not a connection string", "locks", "a.lock", nil)
	assert.Error(t, err)
}

func TestLockNames(t *testing.T) {
	blob := NewLockerFactory(config.LockConfig{Type: config.LockAzureBlob}, "", nil)
	assert.Equal(t, "pos-01/empresa.lock", blob.GetLockName("POS-01/Empresa"))

	file := NewLockerFactory(config.LockConfig{Type: config.LockFile}, "", nil)
	assert.Equal(t, "POS-01/Empresa", file.GetLockName("POS-01/Empresa"))
}
