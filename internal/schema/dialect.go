package schema

import (
	"fmt"
	"strings"

	"github.com/katasec/dstream-probe/internal/db"
)

// SQLDialect produces every statement the probe runs against a source database.
// Compile* methods are pure: the same input always yields the same statements.
type SQLDialect interface {
	Name() db.Dialect
	Placeholder(n int) string
	Fold(ident string) string
	Quote(ident string) string

	// TablesQuery lists user tables; ColumnsQuery takes a table name and returns
	// (name, type, pk ordinal) rows; TriggersQuery returns (name, table, body) rows
	// for triggers with the reserved prefix.
	TablesQuery() string
	ColumnsQuery() string
	TriggersQuery() string

	CompileChangeLog() []string
	CompileTriggers(spec TableSpec) []string
	CompileDrop(objs Objects) []string

	SelectChangesAfter(limit int) string
	SelectChangesUpTo(limit int) string
	DeleteChanges(n int) string
	CountChanges() string
}

// ForDialect returns the SQL dialect for a database engine
func ForDialect(d db.Dialect) (SQLDialect, error) {
	switch d {
	case db.Firebird:
		return NewFirebirdDialect(), nil
	case db.SQLServer:
		return NewSQLServerDialect(), nil
	case db.Postgres:
		return NewPostgresDialect(), nil
	case db.SQLite:
		return NewSQLiteDialect(), nil
	default:
		return nil, fmt.Errorf("unsupported dialect %q", d)
	}
}

type limitStyle int

const (
	limitTrailing limitStyle = iota // ... LIMIT n
	limitFirst                      // SELECT FIRST n ...
	limitTop                        // SELECT TOP(n) ...
)

const selectColumns = "SEQ_ID, TABLE_NAME, OPERATION, PK_DATA, OLD_DATA, NEW_DATA, CAPTURED_AT"

// deleteChunk bounds the IN list of DeleteChanges statements
const deleteChunk = 200

// baseDialect carries the change-log DML shared by every dialect
type baseDialect struct {
	name        db.Dialect
	limit       limitStyle
	placeholder func(n int) string
}

func (b baseDialect) Name() db.Dialect { return b.name }

func (b baseDialect) Placeholder(n int) string { return b.placeholder(n) }

func (b baseDialect) selectChanges(cmp string, limit int) string {
	where := fmt.Sprintf("WHERE SEQ_ID %s %s ORDER BY SEQ_ID", cmp, b.placeholder(1))
	switch b.limit {
	case limitFirst:
		return fmt.Sprintf("SELECT FIRST %d %s FROM %s %s", limit, selectColumns, ChangeLogTable, where)
	case limitTop:
		return fmt.Sprintf("SELECT TOP(%d) %s FROM %s %s", limit, selectColumns, ChangeLogTable, where)
	default:
		return fmt.Sprintf("SELECT %s FROM %s %s LIMIT %d", selectColumns, ChangeLogTable, where, limit)
	}
}

// SelectChangesAfter selects up to limit rows with SEQ_ID greater than the single argument
func (b baseDialect) SelectChangesAfter(limit int) string { return b.selectChanges(">", limit) }

// SelectChangesUpTo selects up to limit rows with SEQ_ID not greater than the single argument
func (b baseDialect) SelectChangesUpTo(limit int) string { return b.selectChanges("<=", limit) }

// DeleteChanges deletes n rows by SEQ_ID
func (b baseDialect) DeleteChanges(n int) string {
	marks := make([]string, n)
	for i := range marks {
		marks[i] = b.placeholder(i + 1)
	}
	return fmt.Sprintf("DELETE FROM %s WHERE SEQ_ID IN (%s)", ChangeLogTable, strings.Join(marks, ", "))
}

func (b baseDialect) CountChanges() string {
	return "SELECT COUNT(*) FROM " + ChangeLogTable
}

func questionMark(int) string { return "?" }

func doubleQuote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func sqlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// OwnsTrigger reports whether a reserved-prefix trigger body writes to the change-log
func OwnsTrigger(body string) bool {
	return strings.Contains(strings.ToUpper(body), ChangeLogTable)
}

// DeleteChunkSize is the largest IN list passed to DeleteChanges
func DeleteChunkSize() int { return deleteChunk }
