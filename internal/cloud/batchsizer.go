package cloud

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	defaultBufferFactor  = 0.2 // 20% safety margin
	defaultSmoothing     = 0.3
	defaultMinBatchSize  = 1
	defaultInitialBatch  = 100
	defaultMaxBatchSize  = 500
	defaultMaxRequestLen = 1 << 20
)

// BatchSizer keeps the number of changes per request under the request size
// limit, using a moving average of the encoded change size seen so far.
type BatchSizer struct {
	batchSize       atomic.Int32
	maxRequestBytes int
	maxBatchSize    int
	minBatchSize    int
	bufferFactor    float64
	smoothing       float64
	logger          hclog.Logger

	mu      sync.Mutex
	avgSize float64

	// For monitoring/metrics
	lastSampleTime atomic.Int64
	lastSampleSize atomic.Int32
	lastAvgRowSize atomic.Int32
}

// BatchSizerOption allows customizing the BatchSizer
type BatchSizerOption func(*BatchSizer)

// WithBufferFactor sets the safety margin factor
func WithBufferFactor(factor float64) BatchSizerOption {
	return func(bs *BatchSizer) {
		bs.bufferFactor = factor
	}
}

// WithSmoothing sets the weight of the newest sample in the moving average
func WithSmoothing(alpha float64) BatchSizerOption {
	return func(bs *BatchSizer) {
		if alpha > 0 && alpha <= 1 {
			bs.smoothing = alpha
		}
	}
}

// WithMinBatchSize sets the smallest batch ever requested
func WithMinBatchSize(n int) BatchSizerOption {
	return func(bs *BatchSizer) {
		if n > 0 {
			bs.minBatchSize = n
		}
	}
}

// WithSizerLogger sets the logger
func WithSizerLogger(l hclog.Logger) BatchSizerOption {
	return func(bs *BatchSizer) {
		bs.logger = l
	}
}

// NewBatchSizer creates a BatchSizer for requests of at most maxRequestBytes
// and maxBatchSize changes
func NewBatchSizer(maxRequestBytes, maxBatchSize int, opts ...BatchSizerOption) *BatchSizer {
	if maxRequestBytes <= 0 {
		maxRequestBytes = defaultMaxRequestLen
	}
	if maxBatchSize <= 0 {
		maxBatchSize = defaultMaxBatchSize
	}
	bs := &BatchSizer{
		maxRequestBytes: maxRequestBytes,
		maxBatchSize:    maxBatchSize,
		minBatchSize:    defaultMinBatchSize,
		bufferFactor:    defaultBufferFactor,
		smoothing:       defaultSmoothing,
	}
	for _, opt := range opts {
		opt(bs)
	}
	if bs.logger == nil {
		bs.logger = hclog.NewNullLogger()
	}
	bs.batchSize.Store(int32(min(defaultInitialBatch, maxBatchSize)))
	return bs
}

// GetBatchSize returns the current batch size
func (bs *BatchSizer) GetBatchSize() int {
	size := int(bs.batchSize.Load())
	if size < bs.minBatchSize {
		return bs.minBatchSize
	}
	return size
}

// MaxRequestBytes returns the request size limit
func (bs *BatchSizer) MaxRequestBytes() int { return bs.maxRequestBytes }

// Observe records a request body of bodyBytes carrying count changes and
// recalculates the batch size
func (bs *BatchSizer) Observe(bodyBytes, count int) {
	if count <= 0 || bodyBytes <= 0 {
		return
	}
	sample := float64(bodyBytes) / float64(count)

	bs.mu.Lock()
	if bs.avgSize == 0 {
		bs.avgSize = sample
	} else {
		bs.avgSize = bs.smoothing*sample + (1-bs.smoothing)*bs.avgSize
	}
	avgSize := bs.avgSize
	bs.mu.Unlock()

	// Apply buffer factor
	effectiveSize := avgSize * (1 + bs.bufferFactor)
	maxRecords := int(float64(bs.maxRequestBytes) / effectiveSize)

	newBatchSize := maxRecords
	switch {
	case newBatchSize < bs.minBatchSize:
		newBatchSize = bs.minBatchSize
	case newBatchSize > bs.maxBatchSize:
		newBatchSize = bs.maxBatchSize
	}

	if old := bs.batchSize.Swap(int32(newBatchSize)); int(old) != newBatchSize {
		bs.logger.Debug("Batch size updated", "newSize", newBatchSize, "avgSize", int(avgSize), "effectiveSize", int(effectiveSize))
	}

	bs.lastSampleTime.Store(time.Now().Unix())
	bs.lastSampleSize.Store(int32(count))
	bs.lastAvgRowSize.Store(int32(avgSize))
}

// BatchSizerMetrics contains current metrics about the batch sizer
type BatchSizerMetrics struct {
	CurrentBatchSize int
	LastSampleTime   time.Time
	LastSampleSize   int
	AvgRowSize       int
	MaxRequestBytes  int
	BufferFactor     float64
}

// GetMetrics returns current batch sizing metrics
func (bs *BatchSizer) GetMetrics() BatchSizerMetrics {
	m := BatchSizerMetrics{
		CurrentBatchSize: bs.GetBatchSize(),
		LastSampleSize:   int(bs.lastSampleSize.Load()),
		AvgRowSize:       int(bs.lastAvgRowSize.Load()),
		MaxRequestBytes:  bs.maxRequestBytes,
		BufferFactor:     bs.bufferFactor,
	}
	if ts := bs.lastSampleTime.Load(); ts != 0 {
		m.LastSampleTime = time.Unix(ts, 0)
	}
	return m
}
