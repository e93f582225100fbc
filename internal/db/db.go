package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
	"github.com/hashicorp/go-hclog"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/nakagami/firebirdsql"

	"github.com/katasec/dstream-probe/internal/cdc/utils"
	"github.com/katasec/dstream-probe/internal/logging"
	"github.com/katasec/dstream-probe/internal/probeerr"
)

// Backoff bounds between connection attempts
var (
	InitialConnectBackoff = 500 * time.Millisecond
	MaxConnectBackoff     = 10 * time.Second
)

// Connect opens the source database and pings it, retrying up to attempts
// times with exponential backoff. Exhaustion returns a *probeerr.ConnectionError.
func Connect(ctx context.Context, info ConnectionInfo, attempts int, logger hclog.Logger) (*sql.DB, error) {
	logger = logging.OrDefault(logger).Named("db")
	if attempts < 1 {
		attempts = 1
	}
	backoff := utils.NewBackoffManager(InitialConnectBackoff, MaxConnectBackoff)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := open(ctx, info)
		if err == nil {
			logger.Info("Successfully connected to database", "dialect", info.Dialect, "attempt", attempt)
			return conn, nil
		}
		lastErr = err
		logger.Warn("Database connection failed", "dialect", info.Dialect, "dsn", info.Redacted(), "attempt", attempt, "error", err)

		if attempt == attempts {
			break
		}
		if !utils.Sleep(ctx, backoff.GetInterval()) {
			lastErr = ctx.Err()
			break
		}
		backoff.IncreaseInterval()
	}

	return nil, &probeerr.ConnectionError{
		Dialect:  string(info.Dialect),
		Path:     info.Path,
		Attempts: attempts,
		Err:      lastErr,
	}
}

func open(ctx context.Context, info ConnectionInfo) (*sql.DB, error) {
	conn, err := sql.Open(info.DriverName(), info.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if info.Dialect == SQLite {
		conn.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return conn, nil
}

// QueryStrings runs a query returning a single string column
func QueryStrings(ctx context.Context, conn *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s sql.NullString
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s.String)
	}
	return out, rows.Err()
}
