package schema

import (
	"fmt"
	"strings"

	"github.com/katasec/dstream-probe/internal/db"
)

// PostgresDialect targets PostgreSQL 11+; one plpgsql function per table backs its three triggers
type PostgresDialect struct {
	baseDialect
}

// NewPostgresDialect returns the PostgreSQL dialect
func NewPostgresDialect() *PostgresDialect {
	return &PostgresDialect{baseDialect{name: db.Postgres, limit: limitTrailing, placeholder: func(n int) string {
		return fmt.Sprintf("$%d", n)
	}}}
}

// Fold lower-cases identifiers the way PostgreSQL folds unquoted names
func (d *PostgresDialect) Fold(ident string) string  { return strings.ToLower(ident) }
func (d *PostgresDialect) Quote(ident string) string { return doubleQuote(ident) }

func (d *PostgresDialect) TablesQuery() string {
	return `SELECT table_name FROM information_schema.tables WHERE table_type = 'BASE TABLE' AND table_schema = current_schema() ORDER BY table_name`
}

func (d *PostgresDialect) ColumnsQuery() string {
	return `SELECT c.column_name, c.data_type, COALESCE(k.ordinal_position, 0)
FROM information_schema.columns c
LEFT JOIN information_schema.table_constraints tc
    ON tc.table_schema = c.table_schema AND tc.table_name = c.table_name AND tc.constraint_type = 'PRIMARY KEY'
LEFT JOIN information_schema.key_column_usage k
    ON k.constraint_name = tc.constraint_name AND k.table_schema = c.table_schema
    AND k.table_name = c.table_name AND k.column_name = c.column_name
WHERE c.table_schema = current_schema() AND c.table_name = $1
ORDER BY c.ordinal_position`
}

func (d *PostgresDialect) TriggersQuery() string {
	return `SELECT t.tgname, c.relname, pg_get_functiondef(t.tgfoid)
FROM pg_trigger t
JOIN pg_class c ON c.oid = t.tgrelid
WHERE NOT t.tgisinternal AND t.tgname LIKE 'probe\_%'
ORDER BY t.tgname`
}

func (d *PostgresDialect) CompileChangeLog() []string {
	return []string{`CREATE TABLE probe_changes_log (
    seq_id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    table_name TEXT NOT NULL,
    operation TEXT NOT NULL,
    pk_data TEXT,
    old_data TEXT,
    new_data TEXT,
    captured_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`}
}

func (d *PostgresDialect) functionName(table string) string {
	return strings.ToLower(ReservedPrefix + TableHash(table) + "_fn")
}

func (d *PostgresDialect) CompileTriggers(spec TableSpec) []string {
	fn := d.functionName(spec.Name)
	insert := d.logInsert(operationInsert, d.pkObject("NEW", spec.PrimaryKey()), "NULL", d.rowImage("NEW", spec))
	update := d.logInsert(operationUpdate, d.pkObject("NEW", spec.PrimaryKey()), d.rowImage("OLD", spec), d.rowImage("NEW", spec))
	del := d.logInsert(operationDelete, d.pkObject("OLD", spec.PrimaryKey()), d.rowImage("OLD", spec), "NULL")

	out := []string{fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger
LANGUAGE plpgsql AS $probe$
BEGIN
    IF TG_OP = 'INSERT' THEN
        %s
        RETURN NEW;
    ELSIF TG_OP = 'UPDATE' THEN
        %s
        RETURN NEW;
    ELSE
        %s
        RETURN OLD;
    END IF;
END;
$probe$`, fn, insert, update, del)}

	for _, op := range []string{operationInsert, operationUpdate, operationDelete} {
		name := d.Fold(TriggerName(spec.Name, op))
		out = append(out,
			fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", name, d.Quote(spec.Name)),
			fmt.Sprintf("CREATE TRIGGER %s AFTER %s ON %s FOR EACH ROW EXECUTE FUNCTION %s()", name, op, d.Quote(spec.Name), fn))
	}
	return out
}

func (d *PostgresDialect) logInsert(op, pk, oldImage, newImage string) string {
	return fmt.Sprintf("INSERT INTO probe_changes_log (table_name, operation, pk_data, old_data, new_data) VALUES (TG_TABLE_NAME, '%s', %s, %s, %s);", op, pk, oldImage, newImage)
}

func (d *PostgresDialect) pkObject(row string, pk []Column) string {
	parts := make([]string, 0, len(pk))
	for _, c := range pk {
		parts = append(parts, fmt.Sprintf("%s, %s.%s", sqlString(c.Name), row, d.Quote(c.Name)))
	}
	return "jsonb_build_object(" + strings.Join(parts, ", ") + ")::text"
}

func (d *PostgresDialect) rowImage(row string, spec TableSpec) string {
	binary := spec.BinaryColumns()
	if len(binary) == 0 {
		return fmt.Sprintf("to_jsonb(%s)::text", row)
	}
	names := make([]string, 0, len(binary))
	for _, c := range binary {
		names = append(names, sqlString(c.Name))
	}
	return fmt.Sprintf("(to_jsonb(%s) - ARRAY[%s])::text", row, strings.Join(names, ", "))
}

func (d *PostgresDialect) CompileDrop(objs Objects) []string {
	var out []string
	functions := map[string]bool{}
	for _, t := range objs.Triggers {
		out = append(out, fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", d.Quote(t.Name), d.Quote(t.Table)))
		// PROBE_<hash>_<op> shares its hash with the table's function
		if name := strings.ToLower(t.Name); len(name) > 2 {
			fn := name[:len(name)-2] + "_fn"
			if !functions[fn] {
				functions[fn] = true
				out = append(out, fmt.Sprintf("DROP FUNCTION IF EXISTS %s() CASCADE", fn))
			}
		}
	}
	if objs.ChangeLog {
		out = append(out, "DROP TABLE IF EXISTS probe_changes_log")
	}
	return out
}
