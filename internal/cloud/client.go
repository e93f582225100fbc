// Package cloud delivers buffered changes to the cloud endpoint.
package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/sony/gobreaker"

	"github.com/katasec/dstream-probe/internal/buffer"
	"github.com/katasec/dstream-probe/internal/logging"
	"github.com/katasec/dstream-probe/internal/probeerr"
	"github.com/katasec/dstream-probe/pkg/cdc"
	"github.com/katasec/dstream-probe/pkg/types"
)

// ErrBreakerOpen is returned by SyncOnce while the circuit breaker rejects requests
var ErrBreakerOpen = errors.New("circuit breaker is open")

const maxResponseBytes = 4 << 20

// Queue is the part of the buffer the client drains
type Queue interface {
	NextBatch(ctx context.Context, max int) ([]buffer.Entry, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) (buffer.Status, error)
	Release(ctx context.Context, ids []string) (int64, error)
	Purge(ctx context.Context, now time.Time) (int64, error)
	Stats(ctx context.Context) (buffer.Stats, error)
}

// Client drains the buffer into the changes endpoint
type Client struct {
	endpoint  string
	healthURL string
	queue     Queue
	http      *http.Client
	creds     cdc.CredentialProvider
	sizer     *BatchSizer
	breaker   *gobreaker.CircuitBreaker
	logger    hclog.Logger
	now       func() time.Time

	source           string
	userAgent        string
	requestTimeout   time.Duration
	syncInterval     time.Duration
	statsInterval    time.Duration
	breakerThreshold int
	breakerCooldown  time.Duration

	mu     sync.Mutex
	status Status
}

// Status is a snapshot of delivery progress
type Status struct {
	LastSync     time.Time
	LastError    string
	Breaker      string
	Delivered    int64
	Failed       int64
	DeadLettered int64
	Reachable    bool
}

// Option customizes a Client
type Option func(*Client)

// WithCredentials sets the source of the bearer token
func WithCredentials(p cdc.CredentialProvider) Option {
	return func(c *Client) {
		c.creds = p
	}
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// WithRequestTimeout bounds every HTTP call
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithIntervals sets how often the buffer is drained and how often stats are
// logged and old entries purged
func WithIntervals(syncEvery, statsEvery time.Duration) Option {
	return func(c *Client) {
		if syncEvery > 0 {
			c.syncInterval = syncEvery
		}
		if statsEvery > 0 {
			c.statsInterval = statsEvery
		}
	}
}

// WithBatchSizer sets the batch sizer
func WithBatchSizer(bs *BatchSizer) Option {
	return func(c *Client) {
		c.sizer = bs
	}
}

// WithBreaker sets the consecutive failed batches that open the breaker and
// how long it stays open
func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(c *Client) {
		if threshold > 0 {
			c.breakerThreshold = threshold
		}
		if cooldown > 0 {
			c.breakerCooldown = cooldown
		}
	}
}

// WithSource names the source database in request bodies
func WithSource(source string) Option {
	return func(c *Client) {
		c.source = source
	}
}

// WithUserAgent sets the User-Agent header
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithLogger sets the logger
func WithLogger(l hclog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New creates a client posting to endpoint. The health check is GET /health on
// the same host.
func New(endpoint string, queue Queue, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid cloud endpoint %q", endpoint)
	}
	health := *u
	health.Path = "/health"
	health.RawQuery = ""

	c := &Client{
		endpoint:         endpoint,
		healthURL:        health.String(),
		queue:            queue,
		http:             &http.Client{},
		creds:            StaticCredentials(""),
		now:              time.Now,
		userAgent:        "dstream-probe/dev",
		requestTimeout:   30 * time.Second,
		syncInterval:     2 * time.Second,
		statsInterval:    time.Minute,
		breakerThreshold: 5,
		breakerCooldown:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDefault(c.logger).Named("sync")
	if c.sizer == nil {
		c.sizer = NewBatchSizer(defaultMaxRequestLen, defaultMaxBatchSize, WithSizerLogger(c.logger))
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cloud",
		MaxRequests: 1,
		Timeout:     c.breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(c.breakerThreshold)
		},
		// only retryable failures count towards tripping
		IsSuccessful: func(err error) bool {
			var de *probeerr.DeliveryError
			return err == nil || (errors.As(err, &de) && !de.Retryable())
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	c.status.Breaker = c.breaker.State().String()
	return c, nil
}

// Ping checks that the endpoint's health route answers 200
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return &probeerr.DeliveryError{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode != http.StatusOK {
		return &probeerr.DeliveryError{StatusCode: resp.StatusCode, Err: errors.New("health check failed")}
	}
	return nil
}

// Run drains the buffer every sync interval until ctx is cancelled. A batch
// already posted when ctx is cancelled still completes and is recorded.
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info("Starting cloud sync", "endpoint", c.endpoint, "interval", c.syncInterval)
	syncTicker := time.NewTicker(c.syncInterval)
	defer syncTicker.Stop()
	statsTicker := time.NewTicker(c.statsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Stopping cloud sync")
			return nil
		case <-syncTicker.C:
			c.drain(ctx)
		case <-statsTicker.C:
			c.housekeep(ctx)
		}
	}
}

// drain sends batches until the buffer has nothing due or a batch fails
func (c *Client) drain(ctx context.Context) {
	for ctx.Err() == nil {
		size := c.sizer.GetBatchSize()
		n, err := c.SyncOnce(ctx)
		if err != nil {
			if !errors.Is(err, ErrBreakerOpen) {
				c.logger.Warn("Batch delivery failed", "error", err)
			}
			return
		}
		if n < size {
			return
		}
	}
}

// SyncOnce delivers one batch and returns the number of changes it carried
func (c *Client) SyncOnce(ctx context.Context) (int, error) {
	if c.breaker.State() == gobreaker.StateOpen {
		return 0, ErrBreakerOpen
	}

	entries, err := c.queue.NextBatch(ctx, c.sizer.GetBatchSize())
	if err != nil {
		return 0, fmt.Errorf("failed to read batch: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	// the request is not interrupted once entries are in flight
	wctx := context.WithoutCancel(ctx)

	body, key, entries, err := c.encode(wctx, entries)
	if err != nil {
		return 0, err
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.post(wctx, body, key)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.release(wctx, entries)
		c.setBreaker()
		return 0, ErrBreakerOpen
	}
	c.setBreaker()
	if err != nil {
		c.failAll(wctx, entries, err)
		return len(entries), err
	}

	c.sizer.Observe(len(body), len(entries))
	c.settle(wctx, entries, result.(*types.BatchAck))
	return len(entries), nil
}

// encode builds the request body. Batches over the size limit are halved and
// the remainder released back to pending.
func (c *Client) encode(ctx context.Context, entries []buffer.Entry) ([]byte, string, []buffer.Entry, error) {
	for {
		batch := types.ChangeBatch{Source: c.source, Changes: make([]cdc.Change, len(entries))}
		for i, e := range entries {
			batch.Changes[i] = e.Change
		}
		batch.BatchID = batchKey(entries)

		body, err := json.Marshal(batch)
		if err != nil {
			c.release(ctx, entries)
			return nil, "", nil, fmt.Errorf("failed to encode batch: %w", err)
		}
		if len(body) <= c.sizer.MaxRequestBytes() || len(entries) == 1 {
			return body, batch.BatchID, entries, nil
		}

		half := len(entries) / 2
		c.release(ctx, entries[half:])
		c.sizer.Observe(len(body), len(entries))
		entries = entries[:half]
	}
}

// batchKey hashes the change ids of a batch; the same batch always gets the same key
func batchKey(entries []buffer.Entry) string {
	h := sha256.New()
	for _, e := range entries {
		h.Write([]byte(e.ID()))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Client) post(ctx context.Context, body []byte, key string) (*types.BatchAck, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &probeerr.DeliveryError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	req.Header.Set("User-Agent", c.userAgent)
	if tok, ok := c.creds.CurrentCredential(); ok {
		req.Header.Set("Authorization", "Bearer "+tok.Value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &probeerr.DeliveryError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &probeerr.DeliveryError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &probeerr.DeliveryError{StatusCode: resp.StatusCode, Err: errors.New(responseSnippet(data))}
	}

	var ack types.BatchAck
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &ack); err != nil {
			return nil, &probeerr.DeliveryError{StatusCode: resp.StatusCode, Err: fmt.Errorf("invalid acknowledgement: %w", err)}
		}
	}
	return &ack, nil
}

func responseSnippet(data []byte) string {
	s := string(bytes.TrimSpace(data))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}

// settle marks acknowledged entries delivered and fails the rest
func (c *Client) settle(ctx context.Context, entries []buffer.Entry, ack *types.BatchAck) {
	accepted := map[string]bool{}
	all := ack.Accepted == nil
	for _, id := range ack.Accepted {
		accepted[id] = true
	}

	var delivered, failed, dead int64
	for _, e := range entries {
		id := e.ID()
		if all || accepted[id] {
			if err := c.queue.MarkDelivered(ctx, id); err != nil {
				c.logger.Error("Failed to mark change delivered", "id", id, "error", err)
				continue
			}
			delivered++
			continue
		}
		reason := "not acknowledged"
		if r, ok := ack.Rejected[id]; ok && r != "" {
			reason = "rejected: " + r
		}
		status, err := c.queue.MarkFailed(ctx, id, errors.New(reason))
		if err != nil {
			c.logger.Error("Failed to mark change failed", "id", id, "error", err)
			continue
		}
		failed++
		if status == buffer.StatusDeadLettered {
			dead++
		}
	}

	c.logger.Info("Delivered batch", "changes", len(entries), "accepted", delivered, "failed", failed)
	c.mu.Lock()
	c.status.LastSync = c.now()
	c.status.Delivered += delivered
	c.status.Failed += failed
	c.status.DeadLettered += dead
	c.status.Reachable = true
	if failed > 0 {
		c.status.LastError = fmt.Sprintf("%d changes not acknowledged", failed)
	} else {
		c.status.LastError = ""
	}
	c.mu.Unlock()
}

func (c *Client) failAll(ctx context.Context, entries []buffer.Entry, cause error) {
	var dead int64
	for _, e := range entries {
		status, err := c.queue.MarkFailed(ctx, e.ID(), cause)
		if err != nil {
			c.logger.Error("Failed to mark change failed", "id", e.ID(), "error", err)
			continue
		}
		if status == buffer.StatusDeadLettered {
			dead++
		}
	}

	var de *probeerr.DeliveryError
	reachable := errors.As(cause, &de) && de.StatusCode != 0
	c.mu.Lock()
	c.status.Failed += int64(len(entries))
	c.status.DeadLettered += dead
	c.status.LastError = cause.Error()
	c.status.Reachable = reachable
	c.mu.Unlock()
}

func (c *Client) release(ctx context.Context, entries []buffer.Entry) {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID()
	}
	if _, err := c.queue.Release(ctx, ids); err != nil {
		c.logger.Error("Failed to release changes", "count", len(ids), "error", err)
	}
}

func (c *Client) setBreaker() {
	state := c.breaker.State().String()
	c.mu.Lock()
	c.status.Breaker = state
	c.mu.Unlock()
}

// Status returns a snapshot of delivery progress
func (c *Client) Status() Status {
	c.setBreaker()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// BatchMetrics returns the batch sizer metrics
func (c *Client) BatchMetrics() BatchSizerMetrics {
	return c.sizer.GetMetrics()
}

// housekeep purges expired entries and logs buffer stats with endpoint reachability
func (c *Client) housekeep(ctx context.Context) {
	if _, err := c.queue.Purge(ctx, c.now()); err != nil {
		c.logger.Warn("Failed to purge buffer", "error", err)
	}
	stats, err := c.queue.Stats(ctx)
	if err != nil {
		c.logger.Warn("Failed to read buffer stats", "error", err)
		return
	}
	reachable := c.Ping(ctx) == nil
	c.mu.Lock()
	c.status.Reachable = reachable
	c.mu.Unlock()

	c.logger.Info("Buffer stats",
		"pending", stats.Pending,
		"inFlight", stats.InFlight,
		"delivered", stats.Delivered,
		"deadLettered", stats.DeadLettered,
		"oldestPending", stats.OldestPendingAge.Round(time.Second),
		"fileBytes", stats.FileSize,
		"reachable", reachable,
		"batchSize", c.sizer.GetBatchSize())
}
