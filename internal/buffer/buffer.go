// Package buffer is the durable local queue between change intake and cloud delivery.
// It is a single SQLite file holding buffer entries and the intake checkpoint.
package buffer

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/hashicorp/go-hclog"
	"github.com/mattn/go-sqlite3"

	"github.com/katasec/dstream-probe/internal/cdc/utils"
	"github.com/katasec/dstream-probe/internal/logging"
	"github.com/katasec/dstream-probe/internal/probeerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultPath is the buffer file used when none is configured
const DefaultPath = "probe_buffer.db"

const (
	defaultMaxAttempts         = 10
	defaultDeliveredRetention  = 24 * time.Hour
	defaultDeadLetterRetention = 30 * 24 * time.Hour
)

// Buffer is the SQLite-backed queue. All access goes through one connection, so
// status transitions are serialized.
type Buffer struct {
	db       *sql.DB
	path     string
	readOnly bool
	logger   hclog.Logger

	maxAttempts         int
	retry               utils.RetryPolicy
	deliveredRetention  time.Duration
	deadLetterRetention time.Duration
	now                 func() time.Time
}

// Option customizes a Buffer
type Option func(*Buffer)

// WithMaxAttempts sets the failed attempts after which an entry is dead-lettered
func WithMaxAttempts(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.maxAttempts = n
		}
	}
}

// WithRetryPolicy sets the backoff between delivery attempts
func WithRetryPolicy(p utils.RetryPolicy) Option {
	return func(b *Buffer) {
		b.retry = p
	}
}

// WithRetention sets how long delivered and dead-lettered entries are kept.
// A non-positive duration keeps them forever.
func WithRetention(delivered, deadLettered time.Duration) Option {
	return func(b *Buffer) {
		b.deliveredRetention = delivered
		b.deadLetterRetention = deadLettered
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		b.now = now
	}
}

// WithLogger sets the logger
func WithLogger(l hclog.Logger) Option {
	return func(b *Buffer) {
		b.logger = l
	}
}

func newBuffer(path string, readOnly bool, opts []Option) *Buffer {
	b := &Buffer{
		path:                path,
		readOnly:            readOnly,
		maxAttempts:         defaultMaxAttempts,
		retry:               utils.RetryPolicy{Base: time.Second, Max: 5 * time.Minute, Jitter: 0.2},
		deliveredRetention:  defaultDeliveredRetention,
		deadLetterRetention: defaultDeadLetterRetention,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrDefault(b.logger).Named("buffer")
	return b
}

// Open creates or opens the buffer at path, checks its integrity, applies
// migrations and returns in-flight entries left by a crash to pending.
func Open(ctx context.Context, path string, opts ...Option) (*Buffer, error) {
	if path == "" {
		path = DefaultPath
	}
	b := newBuffer(path, false, opts)

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create buffer directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer: %w", err)
	}
	// SQLite has a single writer; one connection also makes each statement a CAS step
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	b.db = db

	if err := b.init(ctx); err != nil {
		db.Close()
		return nil, err
	}

	recovered, err := b.RecoverInFlight(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	if recovered > 0 {
		b.logger.Warn("Returned in-flight entries to pending", "count", recovered)
	}
	b.logger.Info("Opened buffer", "path", path)
	return b, nil
}

// OpenReadOnly opens an existing buffer for inspection. Writes return ErrReadOnly.
func OpenReadOnly(ctx context.Context, path string, opts ...Option) (*Buffer, error) {
	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("buffer %s: %w", path, err)
	}
	b := newBuffer(path, true, opts)

	db, err := sql.Open("sqlite3", "file:"+filepath.ToSlash(path)+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer: %w", err)
	}
	db.SetMaxOpenConns(1)
	b.db = db

	if err := b.quickCheck(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Buffer) init(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return b.classify(err, "failed to connect to buffer")
	}
	if err := b.quickCheck(ctx); err != nil {
		return err
	}
	if err := b.applyPragmas(ctx); err != nil {
		return b.classify(err, "failed to apply pragmas")
	}
	if err := b.migrate(); err != nil {
		return b.classify(err, "failed to run buffer migrations")
	}
	return nil
}

// quickCheck runs PRAGMA quick_check and reports any finding as corruption
func (b *Buffer) quickCheck(ctx context.Context) error {
	rows, err := b.db.QueryContext(ctx, "PRAGMA quick_check")
	if err != nil {
		return b.classify(err, "quick_check failed")
	}
	defer rows.Close()

	var findings []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return b.classify(err, "quick_check failed")
		}
		if line != "ok" {
			findings = append(findings, line)
		}
	}
	if err := rows.Err(); err != nil {
		return b.classify(err, "quick_check failed")
	}
	if len(findings) > 0 {
		return &probeerr.BufferCorruptionError{Path: b.path, Detail: strings.Join(findings, "; ")}
	}
	return nil
}

func (b *Buffer) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// migrate applies the embedded migrations. The migrate instance is not closed:
// closing it would close the shared *sql.DB.
func (b *Buffer) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(b.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to instantiate migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// classify turns SQLite corruption codes into a BufferCorruptionError
func (b *Buffer) classify(err error, msg string) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrCorrupt || sqliteErr.Code == sqlite3.ErrNotADB) {
		return &probeerr.BufferCorruptionError{Path: b.path, Detail: msg, Err: err}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Path returns the buffer file path
func (b *Buffer) Path() string { return b.path }

// Close closes the database
func (b *Buffer) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *Buffer) writable() error {
	if b.readOnly {
		return ErrReadOnly
	}
	return nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n sql.NullInt64) time.Time {
	if !n.Valid || n.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(0, n.Int64).UTC()
}
