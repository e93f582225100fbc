package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-probe/internal/buffer"
	"github.com/katasec/dstream-probe/internal/cdc/utils"
	"github.com/katasec/dstream-probe/internal/mockcloud"
	"github.com/katasec/dstream-probe/internal/probeerr"
	"github.com/katasec/dstream-probe/pkg/cdc"
)

const testGeneration = "0190f3a2-7c1e-7d2b-9a4f-3b6c5d8e9f01"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	clock *fakeClock
	buf   *buffer.Buffer
	mock  *mockcloud.Server
	srv   *httptest.Server
}

func newHarness(t *testing.T, bufOpts ...buffer.Option) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)}
	bufOpts = append([]buffer.Option{
		buffer.WithClock(clock.Now),
		buffer.WithLogger(hclog.NewNullLogger()),
		buffer.WithRetryPolicy(utils.RetryPolicy{Base: time.Second, Max: 4 * time.Second}),
	}, bufOpts...)
	buf, err := buffer.Open(context.Background(), filepath.Join(t.TempDir(), "buffer.db"), bufOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close() })

	mock := mockcloud.New(mockcloud.WithLogger(hclog.NewNullLogger()))
	srv := httptest.NewServer(mock.Handler())
	t.Cleanup(srv.Close)

	return &harness{clock: clock, buf: buf, mock: mock, srv: srv}
}

func (h *harness) client(t *testing.T, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithLogger(hclog.NewNullLogger()),
		WithHTTPClient(h.srv.Client()),
		WithRequestTimeout(5 * time.Second),
		WithClock(h.clock.Now),
		WithUserAgent("dstream-probe/test"),
	}, opts...)
	c, err := New(h.srv.URL+"/api/changes", h.buf, opts...)
	require.NoError(t, err)
	return c
}

func (h *harness) enqueue(t *testing.T, n int) []string {
	t.Helper()
	var ids []string
	for seq := int64(1); seq <= int64(n); seq++ {
		c := cdc.Change{
			ID:         cdc.ChangeID(testGeneration, "ARTICULOS", seq),
			Table:      "ARTICULOS",
			Operation:  cdc.Insert,
			SequenceID: seq,
			PrimaryKey: cdc.PrimaryKey{{Name: "ARTICULO_ID", Value: json.Number("1")}},
			After:      map[string]any{"NOMBRE": gofakeit.ProductName()},
			OccurredAt: h.clock.Now(),
		}
		_, err := h.buf.Enqueue(context.Background(), c)
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}
	return ids
}

func TestSyncOnceDeliversBatch(t *testing.T) {
	h := newHarness(t)
	ids := h.enqueue(t, 3)
	c := h.client(t, WithCredentials(StaticCredentials("device-token")), WithSource("pos-01/empresa"))

	n, err := c.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got := h.mock.Changes()
	require.Len(t, got, 3)
	for i, ch := range got {
		assert.Equal(t, ids[i], ch.ID)
	}
	assert.Equal(t, "Bearer device-token", h.mock.Authorizations()[0])
	assert.Len(t, h.mock.IdempotencyKeys()[0], 64)

	stats, err := h.buf.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Delivered)

	status := c.Status()
	assert.EqualValues(t, 3, status.Delivered)
	assert.Equal(t, "closed", status.Breaker)
	assert.True(t, status.Reachable)

	metrics := c.BatchMetrics()
	assert.Equal(t, 3, metrics.LastSampleSize)
	assert.Positive(t, metrics.AvgRowSize)
	assert.False(t, metrics.LastSampleTime.IsZero())

	n, err = c.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncOnceWithoutCredentialSendsNoAuthorization(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, 1)
	c := h.client(t)

	_, err := c.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", h.mock.Authorizations()[0])
}

func TestPartialAcknowledgement(t *testing.T) {
	h := newHarness(t)
	ids := h.enqueue(t, 3)
	h.mock.Ignore(ids[1])
	h.mock.Reject(ids[2], "unknown table")
	c := h.client(t)

	_, err := c.SyncOnce(context.Background())
	require.NoError(t, err)

	ctx := context.Background()
	delivered, err := h.buf.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, buffer.StatusDelivered, delivered.Status)

	ignored, err := h.buf.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, buffer.StatusPending, ignored.Status)
	assert.Equal(t, 1, ignored.AttemptCount)
	assert.Equal(t, "not acknowledged", ignored.LastError)

	rejected, err := h.buf.Get(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, "rejected: unknown table", rejected.LastError)
}

func TestResponseWithoutAcceptedAcknowledgesAll(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, 2)
	h.mock.OmitAccepted(true)
	c := h.client(t)

	_, err := c.SyncOnce(context.Background())
	require.NoError(t, err)
	stats, err := h.buf.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Delivered)
}

func TestFailingEndpointBacksOffThenDeadLetters(t *testing.T) {
	h := newHarness(t, buffer.WithMaxAttempts(5))
	ids := h.enqueue(t, 1)
	h.mock.AlwaysFail(http.StatusInternalServerError)
	c := h.client(t, WithBreaker(100, time.Hour))
	ctx := context.Background()

	var delays []time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		n, err := c.SyncOnce(ctx)
		require.Equal(t, 1, n, "attempt %d", attempt)
		var de *probeerr.DeliveryError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, http.StatusInternalServerError, de.StatusCode)
		assert.True(t, de.Retryable())

		entry, err := h.buf.Get(ctx, ids[0])
		require.NoError(t, err)
		if attempt < 5 {
			require.Equal(t, buffer.StatusPending, entry.Status)
			d := entry.NextAttemptAt.Sub(h.clock.Now())
			delays = append(delays, d)
			h.clock.Advance(d)
		} else {
			assert.Equal(t, buffer.StatusDeadLettered, entry.Status)
		}
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}, delays)
	assert.EqualValues(t, 1, c.Status().DeadLettered)
	assert.Equal(t, 5, h.mock.Requests())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, 1)
	h.mock.AlwaysFail(http.StatusServiceUnavailable)
	c := h.client(t, WithBreaker(2, time.Hour))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.SyncOnce(ctx)
		require.Error(t, err)
		h.clock.Advance(time.Minute)
	}

	_, err := c.SyncOnce(ctx)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, "open", c.Status().Breaker)
	assert.Equal(t, 2, h.mock.Requests())

	stats, err := h.buf.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending, "nothing is claimed while open")
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, 1)
	h.mock.AlwaysFail(http.StatusUnprocessableEntity)
	c := h.client(t, WithBreaker(1, time.Hour))

	for i := 0; i < 3; i++ {
		_, err := c.SyncOnce(context.Background())
		require.Error(t, err)
		h.clock.Advance(time.Minute)
	}
	assert.Equal(t, "closed", c.Status().Breaker)
}

func TestOversizedBatchIsSplit(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, 8)
	c := h.client(t, WithBatchSizer(NewBatchSizer(900, 8)))
	ctx := context.Background()

	total := 0
	for i := 0; i < 20 && total < 8; i++ {
		n, err := c.SyncOnce(ctx)
		require.NoError(t, err)
		require.Positive(t, n)
		total += n
	}
	assert.Equal(t, 8, total)
	assert.Len(t, h.mock.Changes(), 8)
	assert.Zero(t, h.mock.Duplicates())
	assert.Greater(t, h.mock.Requests(), 1)

	stats, err := h.buf.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 8, stats.Delivered)
}

func TestPing(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)
	require.NoError(t, c.Ping(context.Background()))

	h.srv.Close()
	err := c.Ping(context.Background())
	var de *probeerr.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Zero(t, de.StatusCode)
}

func TestRunDrainsUntilCancelled(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, 5)
	c := h.client(t, WithIntervals(10*time.Millisecond, 20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.mock.Changes()) == 5 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestNewRejectsRelativeEndpoint(t *testing.T) {
	_, err := New("/api/changes", nil)
	assert.Error(t, err)
}

func TestBatchKeyIsStable(t *testing.T) {
	entries := []buffer.Entry{{Change: cdc.Change{ID: "a"}}, {Change: cdc.Change{ID: "b"}}}
	assert.Equal(t, batchKey(entries), batchKey(entries))
	assert.NotEqual(t, batchKey(entries), batchKey(entries[:1]))
	assert.False(t, strings.ContainsAny(batchKey(entries), "ABCDEF"))
}
