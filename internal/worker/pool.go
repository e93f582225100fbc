// Package worker decodes change-log rows on a fixed set of goroutines and
// persists the results to the buffer.
package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-probe/internal/buffer"
	"github.com/katasec/dstream-probe/internal/logging"
	"github.com/katasec/dstream-probe/pkg/cdc"
)

const defaultQueueSize = 64

// ErrClosed is returned by Submit after Close
var ErrClosed = errors.New("worker pool is closed")

// Sink is where decoded changes and undecodable rows are persisted
type Sink interface {
	Enqueue(ctx context.Context, change cdc.Change) (buffer.Entry, error)
	DeadLetter(ctx context.Context, rec cdc.RawChangeRecord, id string, cause error) (buffer.Entry, error)
}

// ErrHalted is reported for rows skipped because an earlier row of the same
// table failed in the same cycle
var ErrHalted = errors.New("skipped after an earlier row of the table failed")

// Task is one change-log row to process. Done receives exactly one Result and
// should be buffered so workers never block on it. Tasks sharing a Halt stop
// persisting a table after its first failure.
type Task struct {
	Record cdc.RawChangeRecord
	Done   chan<- Result
	Halt   *Halt
}

// Halt records the tables of one cycle that hit a persistence failure.
// A nil Halt never stops anything.
type Halt struct {
	mu     sync.Mutex
	tables map[string]bool
}

func NewHalt() *Halt {
	return &Halt{tables: map[string]bool{}}
}

// Halted reports whether table already failed
func (h *Halt) Halted(table string) bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tables[strings.ToUpper(table)]
}

func (h *Halt) stop(table string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tables[strings.ToUpper(table)] = true
}

// Result acknowledges a task. Durable is true once the row is persisted in the
// buffer, either as a pending change or as a dead letter.
type Result struct {
	SequenceID   int64
	ChangeID     string
	Durable      bool
	DeadLettered bool
	Err          error
}

// Pool runs a fixed number of workers, each fed by its own bounded queue.
// Rows of one table always land on the same worker, so per-table order is kept.
type Pool struct {
	decoder cdc.Decoder
	sink    Sink
	logger  hclog.Logger

	queueSize int
	queues    []chan Task

	mu         sync.Mutex
	closed     bool
	submitters sync.WaitGroup
	workers    sync.WaitGroup
	closeOnce  sync.Once

	processed    atomic.Int64
	deadLettered atomic.Int64
	failed       atomic.Int64
}

// Option customizes a Pool
type Option func(*Pool)

// WithQueueSize sets the capacity of each worker queue
func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l hclog.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// NewPool creates a pool of n workers. Workers do not run until Start.
func NewPool(n int, decoder cdc.Decoder, sink Sink, opts ...Option) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		decoder:   decoder,
		sink:      sink,
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrDefault(p.logger).Named("worker")
	p.queues = make([]chan Task, n)
	for i := range p.queues {
		p.queues[i] = make(chan Task, p.queueSize)
	}
	return p
}

// Size returns the number of workers
func (p *Pool) Size() int { return len(p.queues) }

// Start launches the workers. Buffer writes use ctx, so it should outlive the
// intake loop for queued tasks to be flushed during shutdown.
func (p *Pool) Start(ctx context.Context) {
	for i, q := range p.queues {
		p.workers.Add(1)
		go p.run(ctx, i, q)
	}
	p.logger.Info("Started workers", "count", len(p.queues), "queueSize", p.queueSize)
}

// Submit routes the task to its table's worker. It blocks only while that
// worker's queue is full.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.submitters.Add(1)
	p.mu.Unlock()
	defer p.submitters.Done()

	q := p.queues[p.partition(t.Record.TableName)]
	select {
	case q <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks. Tasks already queued are still processed.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.submitters.Wait()
		for _, q := range p.queues {
			close(q)
		}
		p.logger.Debug("Closed worker queues")
	})
}

// Wait blocks until every worker has drained its queue. Call Close first.
func (p *Pool) Wait() {
	p.workers.Wait()
}

// Stats reports how many tasks were persisted, dead-lettered or failed
func (p *Pool) Stats() (processed, deadLettered, failed int64) {
	return p.processed.Load(), p.deadLettered.Load(), p.failed.Load()
}

func (p *Pool) partition(table string) int {
	h := fnv.New32a()
	h.Write([]byte(strings.ToUpper(table)))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Pool) run(ctx context.Context, id int, q <-chan Task) {
	defer p.workers.Done()
	logger := p.logger.With("worker", id)
	for t := range q {
		if t.Halt.Halted(t.Record.TableName) {
			if t.Done != nil {
				t.Done <- Result{
					SequenceID: t.Record.SequenceID,
					ChangeID:   cdc.ChangeID(t.Record.Generation, t.Record.TableName, t.Record.SequenceID),
					Err:        ErrHalted,
				}
			}
			continue
		}
		res := p.process(ctx, t.Record)
		if res.Err != nil && !res.Durable {
			logger.Error("Failed to persist change", "table", t.Record.TableName, "seq", t.Record.SequenceID, "error", res.Err)
			t.Halt.stop(t.Record.TableName)
		}
		if t.Done != nil {
			t.Done <- res
		}
	}
	logger.Debug("Worker stopped")
}

func (p *Pool) process(ctx context.Context, rec cdc.RawChangeRecord) Result {
	res := Result{
		SequenceID: rec.SequenceID,
		ChangeID:   cdc.ChangeID(rec.Generation, rec.TableName, rec.SequenceID),
	}

	change, err := p.decoder.Decode(rec)
	if err != nil {
		if _, dlErr := p.sink.DeadLetter(ctx, rec, res.ChangeID, err); dlErr != nil {
			p.failed.Add(1)
			res.Err = fmt.Errorf("failed to dead-letter row %d: %w", rec.SequenceID, dlErr)
			return res
		}
		p.deadLettered.Add(1)
		res.Durable = true
		res.DeadLettered = true
		res.Err = err
		return res
	}

	if _, err := p.sink.Enqueue(ctx, change); err != nil {
		p.failed.Add(1)
		res.Err = fmt.Errorf("failed to buffer change %s: %w", change.ID, err)
		return res
	}
	p.processed.Add(1)
	res.ChangeID = change.ID
	res.Durable = true
	return res
}
