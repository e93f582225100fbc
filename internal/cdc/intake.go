// Package cdc drains the change-log table of the source database into the
// worker pool and removes rows once they are durable in the buffer.
package cdc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-probe/internal/buffer"
	"github.com/katasec/dstream-probe/internal/cdc/utils"
	"github.com/katasec/dstream-probe/internal/logging"
	"github.com/katasec/dstream-probe/internal/schema"
	"github.com/katasec/dstream-probe/internal/worker"
	cdctypes "github.com/katasec/dstream-probe/pkg/cdc"
)

// State is the phase of the intake loop
type State int32

const (
	Idle State = iota
	Polling
	Draining
)

func (s State) String() string {
	switch s {
	case Polling:
		return "polling"
	case Draining:
		return "draining"
	default:
		return "idle"
	}
}

// Submitter accepts change-log rows for decoding
type Submitter interface {
	Submit(ctx context.Context, t worker.Task) error
}

// CheckpointStore persists the intake position
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, source string) (buffer.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp buffer.Checkpoint) error
}

const (
	defaultPageSize     = 500
	defaultSweepEvery   = 10
	defaultQueryTimeout = 15 * time.Second
)

// Intake polls the change-log table. Rows are deleted only after the worker
// pool reports them durable, and the checkpoint only moves past rows that are.
type Intake struct {
	conn    *sql.DB
	dialect schema.SQLDialect
	pool    Submitter
	store   CheckpointStore
	source  string
	logger  hclog.Logger

	pollInterval    time.Duration
	maxPollInterval time.Duration
	queryTimeout    time.Duration
	pageSize        int
	sweepEvery      int

	state     atomic.Int32
	mu        sync.Mutex
	cp        buffer.Checkpoint
	loaded    bool
	cycles    int
	lastPoll  atomic.Int64
	lastError atomic.Pointer[cycleError]
}

type cycleError struct{ err error }

// Option customizes an Intake
type Option func(*Intake)

// WithPollInterval sets the pause between cycles and the backoff ceiling on errors
func WithPollInterval(interval, maxInterval time.Duration) Option {
	return func(in *Intake) {
		in.pollInterval = interval
		in.maxPollInterval = maxInterval
	}
}

// WithPageSize limits the rows read per query
func WithPageSize(n int) Option {
	return func(in *Intake) {
		if n > 0 {
			in.pageSize = n
		}
	}
}

// WithSweepEvery sets how many cycles pass between sweeps of rows at or below
// the checkpoint
func WithSweepEvery(n int) Option {
	return func(in *Intake) {
		if n > 0 {
			in.sweepEvery = n
		}
	}
}

// WithQueryTimeout bounds every change-log query
func WithQueryTimeout(d time.Duration) Option {
	return func(in *Intake) {
		if d > 0 {
			in.queryTimeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l hclog.Logger) Option {
	return func(in *Intake) {
		in.logger = l
	}
}

// New creates an intake for the change-log of conn. source names the
// checkpoint row in store.
func New(conn *sql.DB, dialect schema.SQLDialect, pool Submitter, store CheckpointStore, source string, opts ...Option) *Intake {
	in := &Intake{
		conn:            conn,
		dialect:         dialect,
		pool:            pool,
		store:           store,
		source:          source,
		pollInterval:    time.Second,
		maxPollInterval: 30 * time.Second,
		queryTimeout:    defaultQueryTimeout,
		pageSize:        defaultPageSize,
		sweepEvery:      defaultSweepEvery,
	}
	for _, opt := range opts {
		opt(in)
	}
	in.logger = logging.OrDefault(in.logger).Named("intake")
	return in
}

// State returns the current phase of the loop
func (in *Intake) State() State {
	return State(in.state.Load())
}

// Checkpoint returns the last persisted position
func (in *Intake) Checkpoint() buffer.Checkpoint {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cp
}

// LastPoll returns when the last cycle completed successfully
func (in *Intake) LastPoll() time.Time {
	n := in.lastPoll.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// LastError returns the error of the most recent failed cycle, or nil
func (in *Intake) LastError() error {
	if e := in.lastError.Load(); e != nil {
		return e.err
	}
	return nil
}

// Run polls until ctx is cancelled. Cancellation is not an error.
func (in *Intake) Run(ctx context.Context) error {
	if err := in.load(ctx); err != nil {
		return err
	}

	backoff := utils.NewBackoffManager(in.pollInterval, in.maxPollInterval)
	in.logger.Info("Starting change intake", "source", in.source, "pollInterval", in.pollInterval, "pageSize", in.pageSize)

	for {
		select {
		case <-ctx.Done():
			in.logger.Info("Stopping change intake", "lastSeen", in.Checkpoint().LastSeenSequenceID)
			return nil
		default:
		}

		n, err := in.PollOnce(ctx)
		wait := in.pollInterval
		switch {
		case err != nil && ctx.Err() != nil:
			// cancelled mid-cycle
		case err != nil:
			in.lastError.Store(&cycleError{err: err})
			backoff.IncreaseInterval()
			wait = backoff.GetInterval()
			in.logger.Warn("Change intake cycle failed", "error", err, "nextPollIn", wait)
		default:
			backoff.ResetInterval()
			if n > 0 {
				in.logger.Debug("Change intake cycle complete", "rows", n, "lastSeen", in.Checkpoint().LastSeenSequenceID)
			}
		}

		if !utils.Sleep(ctx, wait) {
			in.logger.Info("Stopping change intake", "lastSeen", in.Checkpoint().LastSeenSequenceID)
			return nil
		}
	}
}

func (in *Intake) load(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.loaded {
		return nil
	}
	cp, err := in.store.LoadCheckpoint(ctx, in.source)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	in.cp = cp
	in.loaded = true
	return nil
}

// PollOnce runs a single cycle and returns the number of rows read
func (in *Intake) PollOnce(ctx context.Context) (int, error) {
	if err := in.load(ctx); err != nil {
		return 0, err
	}
	defer in.state.Store(int32(Idle))
	in.state.Store(int32(Polling))

	cp := in.Checkpoint()
	sweep := in.cycles%in.sweepEvery == 0
	in.cycles++

	var late []cdctypes.RawChangeRecord
	if sweep && cp.LastSeenSequenceID > 0 {
		rows, err := in.fetch(ctx, in.dialect.SelectChangesUpTo(in.pageSize), cp)
		if err != nil {
			return 0, err
		}
		if len(rows) > 0 {
			in.logger.Info("Found change-log rows at or below checkpoint", "count", len(rows), "lastSeen", cp.LastSeenSequenceID)
		}
		late = rows
	}

	fresh, err := in.fetch(ctx, in.dialect.SelectChangesAfter(in.pageSize), cp)
	if err != nil {
		return 0, err
	}

	all := append(late, fresh...)
	if len(all) == 0 {
		in.lastPoll.Store(time.Now().UnixNano())
		return 0, nil
	}

	in.state.Store(int32(Draining))
	acks := in.dispatch(ctx, all)

	// a table's rows are deleted only up to its first row missing from the buffer
	var durable []int64
	var failed int
	blocked := map[string]bool{}
	for _, rec := range all {
		table := strings.ToUpper(rec.TableName)
		res, ok := acks[rec.SequenceID]
		switch {
		case !ok || !res.Durable:
			failed++
			blocked[table] = true
		case !blocked[table]:
			durable = append(durable, rec.SequenceID)
		}
	}

	deleteErr := in.delete(ctx, durable)

	next := cp.LastSeenSequenceID
	for _, rec := range fresh {
		if res, ok := acks[rec.SequenceID]; !ok || !res.Durable {
			break
		}
		next = rec.SequenceID
	}
	if next > cp.LastSeenSequenceID {
		cp.LastSeenSequenceID = next
		if err := in.store.SaveCheckpoint(context.WithoutCancel(ctx), cp); err != nil {
			return len(all), fmt.Errorf("failed to save checkpoint: %w", err)
		}
		in.mu.Lock()
		in.cp = cp
		in.mu.Unlock()
	}

	if failed > 0 {
		return len(all), fmt.Errorf("%d of %d change-log rows were not persisted", failed, len(all))
	}
	if deleteErr != nil {
		return len(all), deleteErr
	}
	in.lastPoll.Store(time.Now().UnixNano())
	return len(all), nil
}

// dispatch submits every row and waits for the acknowledgement of each one
// that was accepted.
func (in *Intake) dispatch(ctx context.Context, recs []cdctypes.RawChangeRecord) map[int64]worker.Result {
	done := make(chan worker.Result, len(recs))
	halt := worker.NewHalt()
	submitted := 0
	for _, rec := range recs {
		if err := in.pool.Submit(ctx, worker.Task{Record: rec, Done: done, Halt: halt}); err != nil {
			if !errors.Is(err, context.Canceled) {
				in.logger.Warn("Failed to submit change-log row", "table", rec.TableName, "seq", rec.SequenceID, "error", err)
			}
			break
		}
		submitted++
	}

	acks := make(map[int64]worker.Result, submitted)
	for i := 0; i < submitted; i++ {
		res := <-done
		acks[res.SequenceID] = res
	}
	return acks
}

// delete removes consumed rows in chunks. It runs even when ctx is cancelled so
// rows already in the buffer are not read again after a restart.
func (in *Intake) delete(ctx context.Context, seqs []int64) error {
	chunk := schema.DeleteChunkSize()
	for start := 0; start < len(seqs); start += chunk {
		end := min(start+chunk, len(seqs))
		part := seqs[start:end]
		args := make([]any, len(part))
		for i, seq := range part {
			args[i] = seq
		}

		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), in.queryTimeout)
		_, err := in.conn.ExecContext(qctx, in.dialect.DeleteChanges(len(part)), args...)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to delete %d consumed change-log rows: %w", len(part), err)
		}
	}
	if len(seqs) > 0 {
		in.logger.Trace("Deleted consumed change-log rows", "count", len(seqs))
	}
	return nil
}

func (in *Intake) fetch(ctx context.Context, query string, cp buffer.Checkpoint) ([]cdctypes.RawChangeRecord, error) {
	qctx, cancel := context.WithTimeout(ctx, in.queryTimeout)
	defer cancel()

	rows, err := in.conn.QueryContext(qctx, query, cp.LastSeenSequenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query change-log: %w", err)
	}
	defer rows.Close()

	var out []cdctypes.RawChangeRecord
	for rows.Next() {
		var (
			seq                int64
			table, op          string
			key, before, after sql.NullString
			captured           any
		)
		if err := rows.Scan(&seq, &table, &op, &key, &before, &after, &captured); err != nil {
			return nil, fmt.Errorf("failed to scan change-log row: %w", err)
		}

		rec := cdctypes.RawChangeRecord{
			SequenceID: seq,
			TableName:  trimName(table),
			Operation:  cdctypes.Operation(op),
			KeyData:    key.String,
			OldData:    before.String,
			NewData:    after.String,
			Generation: cp.Generation,
		}
		if parsed, err := cdctypes.ParseOperation(op); err == nil {
			rec.Operation = parsed
		}
		if rec.CapturedAt, err = parseCapturedAt(captured); err != nil {
			in.logger.Debug("Unreadable capture time", "seq", seq, "value", captured, "error", err)
			rec.CapturedAt = time.Now().UTC()
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read change-log: %w", err)
	}
	return out, nil
}
