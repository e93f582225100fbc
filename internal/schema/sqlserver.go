package schema

import (
	"fmt"
	"strings"

	"github.com/katasec/dstream-probe/internal/db"
)

// SQLServerDialect targets SQL Server 2016 SP1+ (CREATE OR ALTER, FOR JSON)
type SQLServerDialect struct {
	baseDialect
}

// NewSQLServerDialect returns the SQL Server dialect
func NewSQLServerDialect() *SQLServerDialect {
	return &SQLServerDialect{baseDialect{name: db.SQLServer, limit: limitTop, placeholder: func(n int) string {
		return fmt.Sprintf("@p%d", n)
	}}}
}

func (d *SQLServerDialect) Fold(ident string) string { return ident }

func (d *SQLServerDialect) Quote(ident string) string {
	return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
}

func (d *SQLServerDialect) TablesQuery() string {
	return `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_TYPE = 'BASE TABLE' AND TABLE_SCHEMA = 'dbo' ORDER BY TABLE_NAME`
}

func (d *SQLServerDialect) ColumnsQuery() string {
	return `SELECT c.COLUMN_NAME, c.DATA_TYPE, COALESCE(k.ORDINAL_POSITION, 0)
FROM INFORMATION_SCHEMA.COLUMNS c
LEFT JOIN INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
    ON tc.TABLE_SCHEMA = c.TABLE_SCHEMA AND tc.TABLE_NAME = c.TABLE_NAME AND tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
LEFT JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE k
    ON k.CONSTRAINT_NAME = tc.CONSTRAINT_NAME AND k.TABLE_SCHEMA = c.TABLE_SCHEMA
    AND k.TABLE_NAME = c.TABLE_NAME AND k.COLUMN_NAME = c.COLUMN_NAME
WHERE c.TABLE_SCHEMA = 'dbo' AND c.TABLE_NAME = @p1
ORDER BY c.ORDINAL_POSITION`
}

func (d *SQLServerDialect) TriggersQuery() string {
	return `SELECT t.name, OBJECT_NAME(t.parent_id), OBJECT_DEFINITION(t.object_id) FROM sys.triggers t WHERE t.name LIKE 'PROBE[_]%' ORDER BY t.name`
}

func (d *SQLServerDialect) CompileChangeLog() []string {
	return []string{`CREATE TABLE [dbo].[PROBE_CHANGES_LOG] (
    [SEQ_ID] BIGINT IDENTITY(1,1) NOT NULL PRIMARY KEY,
    [TABLE_NAME] NVARCHAR(128) NOT NULL,
    [OPERATION] VARCHAR(6) NOT NULL,
    [PK_DATA] NVARCHAR(MAX) NULL,
    [OLD_DATA] NVARCHAR(MAX) NULL,
    [NEW_DATA] NVARCHAR(MAX) NULL,
    [CAPTURED_AT] DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME()
)`}
}

// CompileTriggers emits statement-level triggers. An update that changes the
// key cannot be paired through the key join, so its old rows are logged as
// deletes and its new rows as inserts.
func (d *SQLServerDialect) CompileTriggers(spec TableSpec) []string {
	pkCols, image := spec.PrimaryKey(), spec.ImageColumns()
	match := d.joinOn(pkCols)
	insert := d.logSelect(spec.Name, operationInsert, d.forJSON("n", pkCols), "NULL", d.forJSON("n", image), "inserted AS n")
	del := d.logSelect(spec.Name, operationDelete, d.forJSON("o", pkCols), d.forJSON("o", image), "NULL", "deleted AS o")
	update := d.logSelect(spec.Name, operationUpdate, d.forJSON("n", pkCols), d.forJSON("o", image), d.forJSON("n", image),
		"inserted AS n\n    JOIN deleted AS o ON "+match)
	rekeyed := strings.Join([]string{
		update + ";",
		del + "\n    WHERE NOT EXISTS (SELECT 1 FROM inserted AS n WHERE " + match + ");",
		insert + "\n    WHERE NOT EXISTS (SELECT 1 FROM deleted AS o WHERE " + match + ");",
	}, "\n")

	var out []string
	for _, op := range []string{operationInsert, operationUpdate, operationDelete} {
		body := map[string]string{operationInsert: insert + ";", operationUpdate: rekeyed, operationDelete: del + ";"}[op]
		out = append(out, fmt.Sprintf(`CREATE OR ALTER TRIGGER [dbo].%s ON [dbo].%s
AFTER %s
AS
BEGIN
    SET NOCOUNT ON;
%s
END`, d.Quote(TriggerName(spec.Name, op)), d.Quote(spec.Name), op, body))
	}
	return out
}

// logSelect renders one INSERT ... SELECT into the change-log
func (d *SQLServerDialect) logSelect(table, op, pk, oldImage, newImage, from string) string {
	return fmt.Sprintf(`    INSERT INTO [dbo].[PROBE_CHANGES_LOG] ([TABLE_NAME], [OPERATION], [PK_DATA], [OLD_DATA], [NEW_DATA])
    SELECT N%s, '%s',
        %s,
        %s,
        %s
    FROM %s`, sqlString(table), op, pk, oldImage, newImage, from)
}

func (d *SQLServerDialect) forJSON(alias string, cols []Column) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, fmt.Sprintf("%s.%s AS %s", alias, d.Quote(c.Name), d.Quote(c.Name)))
	}
	return "(SELECT " + strings.Join(parts, ", ") + " FOR JSON PATH, WITHOUT_ARRAY_WRAPPER, INCLUDE_NULL_VALUES)"
}

func (d *SQLServerDialect) joinOn(pk []Column) string {
	parts := make([]string, 0, len(pk))
	for _, c := range pk {
		parts = append(parts, fmt.Sprintf("o.%s = n.%s", d.Quote(c.Name), d.Quote(c.Name)))
	}
	return strings.Join(parts, " AND ")
}

func (d *SQLServerDialect) CompileDrop(objs Objects) []string {
	var out []string
	for _, t := range objs.Triggers {
		out = append(out, "DROP TRIGGER IF EXISTS [dbo]."+d.Quote(t.Name))
	}
	if objs.ChangeLog {
		out = append(out, "DROP TABLE IF EXISTS [dbo].[PROBE_CHANGES_LOG]")
	}
	return out
}
