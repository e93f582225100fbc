package cloud

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchSizerDefaults(t *testing.T) {
	bs := NewBatchSizer(0, 0)
	assert.Equal(t, 100, bs.GetBatchSize())
	assert.Equal(t, defaultMaxRequestLen, bs.MaxRequestBytes())

	small := NewBatchSizer(1024, 10)
	assert.Equal(t, 10, small.GetBatchSize())
}

func TestBatchSizerTracksChangeSize(t *testing.T) {
	bs := NewBatchSizer(12000, 500, WithBufferFactor(0.2), WithSmoothing(1))

	// 100 bytes per change * 1.2 margin = 120, 12000 / 120 = 100
	bs.Observe(1000, 10)
	assert.Equal(t, 100, bs.GetBatchSize())

	// bigger changes shrink the batch
	bs.Observe(4000, 10)
	assert.Equal(t, 25, bs.GetBatchSize())

	m := bs.GetMetrics()
	assert.Equal(t, 25, m.CurrentBatchSize)
	assert.Equal(t, 400, m.AvgRowSize)
	assert.Equal(t, 10, m.LastSampleSize)
	assert.False(t, m.LastSampleTime.IsZero())
}

func TestBatchSizerClamps(t *testing.T) {
	bs := NewBatchSizer(1000, 50, WithMinBatchSize(2), WithSmoothing(1))

	bs.Observe(10, 10)
	assert.Equal(t, 50, bs.GetBatchSize())

	bs.Observe(100000, 1)
	assert.Equal(t, 2, bs.GetBatchSize())

	// ignored
	bs.Observe(0, 0)
	assert.Equal(t, 2, bs.GetBatchSize())
}

func TestBatchSizerSmoothing(t *testing.T) {
	bs := NewBatchSizer(1<<20, 10000, WithSmoothing(0.5), WithBufferFactor(0))
	bs.Observe(100, 1)
	bs.Observe(300, 1)
	assert.Equal(t, 200, bs.GetMetrics().AvgRowSize)
}

func TestStaticCredentials(t *testing.T) {
	_, ok := StaticCredentials("").CurrentCredential()
	assert.False(t, ok)

	tok, ok := StaticCredentials("abc").CurrentCredential()
	require.True(t, ok)
	assert.Equal(t, "abc", tok.Value)
}

func TestFileCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	creds := NewFileCredentials(path)

	_, ok := creds.CurrentCredential()
	assert.False(t, ok, "missing file")

	require.NoError(t, os.WriteFile(path, []byte("bare-token\n"), 0o600))
	tok, ok := creds.CurrentCredential()
	require.True(t, ok)
	assert.Equal(t, "bare-token", tok.Value)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	require.NoError(t, os.WriteFile(path, []byte(`{"token":"json-token","expiresAt":"`+future+`"}`), 0o600))
	tok, ok = creds.CurrentCredential()
	require.True(t, ok)
	assert.Equal(t, "json-token", tok.Value)

	creds.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, ok = creds.CurrentCredential()
	assert.False(t, ok, "expired")

	require.NoError(t, os.WriteFile(path, []byte(`{"token":""}`), 0o600))
	creds.now = time.Now
	_, ok = creds.CurrentCredential()
	assert.False(t, ok, "empty token")
}
