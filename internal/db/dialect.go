package db

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/katasec/dstream-probe/internal/utils"
)

// Dialect names a supported source database engine
type Dialect string

const (
	Firebird  Dialect = "firebird"
	SQLServer Dialect = "sqlserver"
	Postgres  Dialect = "postgres"
	SQLite    Dialect = "sqlite"
)

// Dialects lists every supported dialect
var Dialects = []Dialect{Firebird, SQLServer, Postgres, SQLite}

// ParseDialect validates a configured dialect name
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "firebird", "fb", "interbase":
		return Firebird, nil
	case "sqlserver", "mssql":
		return SQLServer, nil
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", s)
	}
}

// InferDialect guesses the dialect from a database path or DSN.
// Anything unrecognised is treated as a Firebird database.
func InferDialect(path string) Dialect {
	lower := strings.ToLower(strings.TrimSpace(path))
	switch {
	case strings.HasPrefix(lower, "sqlserver://"):
		return SQLServer
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return Postgres
	case strings.HasPrefix(lower, "file:"):
		return SQLite
	}
	switch filepath.Ext(strings.SplitN(lower, "?", 2)[0]) {
	case ".db", ".sqlite", ".sqlite3":
		return SQLite
	}
	return Firebird
}

// ConnectionInfo describes the source database; it is built once from configuration
type ConnectionInfo struct {
	Dialect  Dialect
	Path     string
	User     string
	Password string
	Charset  string
}

// DriverName returns the database/sql driver registered for the dialect
func (c ConnectionInfo) DriverName() string {
	switch c.Dialect {
	case SQLServer:
		return "sqlserver"
	case Postgres:
		return "pgx"
	case SQLite:
		return "sqlite3"
	default:
		return "firebirdsql"
	}
}

// DSN returns the driver specific data source name.
// Firebird paths that already carry credentials (user:pass@host/path) are used as is.
func (c ConnectionInfo) DSN() string {
	if c.Dialect != Firebird {
		return c.Path
	}
	if strings.Contains(c.Path, "@") {
		return c.Path
	}

	host := "localhost"
	path := c.Path
	// host:/path and host:C:\path forms name a remote server
	if i := strings.Index(path, ":"); i > 1 && !strings.HasPrefix(path[i:], `:\`) {
		host, path = path[:i], path[i+1:]
	}

	// absolute unix paths keep their leading slash: host//data/pos.fdb
	dsn := fmt.Sprintf("%s:%s@%s/%s", url.PathEscape(c.User), url.PathEscape(c.Password), host, path)
	if c.Charset != "" {
		dsn += "?charset=" + url.QueryEscape(c.Charset)
	}
	return dsn
}

// Redacted returns the DSN with the password masked, for logging
func (c ConnectionInfo) Redacted() string {
	if c.Password == "" {
		return c.DSN()
	}
	return strings.ReplaceAll(c.DSN(), url.PathEscape(c.Password), "****")
}

// SourceName identifies the source database across restarts. It names the
// checkpoint row and the single-instance lock.
func (c ConnectionInfo) SourceName() string {
	switch c.Dialect {
	case SQLServer, Postgres:
		if server, err := utils.ExtractServerNameFromConnectionString(c.Path); err == nil {
			return server + "/" + utils.ExtractDatabaseNameFromConnectionString(c.Path)
		}
	}
	return utils.LocalHostName() + "/" + utils.FileStem(c.Path)
}
