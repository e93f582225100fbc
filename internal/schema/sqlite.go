package schema

import (
	"fmt"
	"strings"

	"github.com/katasec/dstream-probe/internal/db"
)

// SQLiteDialect targets SQLite source databases
type SQLiteDialect struct {
	baseDialect
}

// NewSQLiteDialect returns the SQLite dialect
func NewSQLiteDialect() *SQLiteDialect {
	return &SQLiteDialect{baseDialect{name: db.SQLite, limit: limitTrailing, placeholder: questionMark}}
}

func (d *SQLiteDialect) Fold(ident string) string  { return ident }
func (d *SQLiteDialect) Quote(ident string) string { return doubleQuote(ident) }

func (d *SQLiteDialect) TablesQuery() string {
	return `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\' ORDER BY name`
}

func (d *SQLiteDialect) ColumnsQuery() string {
	return `SELECT name, type, pk FROM pragma_table_info(?) ORDER BY cid`
}

func (d *SQLiteDialect) TriggersQuery() string {
	return `SELECT name, tbl_name, sql FROM sqlite_master WHERE type = 'trigger' AND name LIKE 'PROBE\_%' ESCAPE '\' ORDER BY name`
}

func (d *SQLiteDialect) CompileChangeLog() []string {
	return []string{`CREATE TABLE PROBE_CHANGES_LOG (
    SEQ_ID INTEGER PRIMARY KEY AUTOINCREMENT,
    TABLE_NAME TEXT NOT NULL,
    OPERATION TEXT NOT NULL,
    PK_DATA TEXT,
    OLD_DATA TEXT,
    NEW_DATA TEXT,
    CAPTURED_AT TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
)`}
}

func (d *SQLiteDialect) CompileTriggers(spec TableSpec) []string {
	var out []string
	for _, op := range []string{operationInsert, operationUpdate, operationDelete} {
		name := TriggerName(spec.Name, op)
		pk, oldImage, newImage := "NULL", "NULL", "NULL"
		switch op {
		case operationInsert:
			pk = d.jsonObject("NEW", spec.PrimaryKey())
			newImage = d.jsonObject("NEW", spec.ImageColumns())
		case operationUpdate:
			pk = d.jsonObject("NEW", spec.PrimaryKey())
			oldImage = d.jsonObject("OLD", spec.ImageColumns())
			newImage = d.jsonObject("NEW", spec.ImageColumns())
		case operationDelete:
			pk = d.jsonObject("OLD", spec.PrimaryKey())
			oldImage = d.jsonObject("OLD", spec.ImageColumns())
		}
		out = append(out,
			fmt.Sprintf("DROP TRIGGER IF EXISTS %s", name),
			fmt.Sprintf(`CREATE TRIGGER %s AFTER %s ON %s FOR EACH ROW
BEGIN
    INSERT INTO PROBE_CHANGES_LOG (TABLE_NAME, OPERATION, PK_DATA, OLD_DATA, NEW_DATA)
    VALUES (%s, '%s', %s, %s, %s);
END`, name, op, d.Quote(spec.Name), sqlString(spec.Name), op, pk, oldImage, newImage))
	}
	return out
}

func (d *SQLiteDialect) jsonObject(row string, cols []Column) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, fmt.Sprintf("%s, %s.%s", sqlString(c.Name), row, d.Quote(c.Name)))
	}
	return "json_object(" + strings.Join(parts, ", ") + ")"
}

func (d *SQLiteDialect) CompileDrop(objs Objects) []string {
	var out []string
	for _, t := range objs.Triggers {
		out = append(out, "DROP TRIGGER IF EXISTS "+d.Quote(t.Name))
	}
	if objs.ChangeLog {
		out = append(out, "DROP TABLE IF EXISTS "+ChangeLogTable)
	}
	return out
}
