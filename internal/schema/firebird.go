package schema

import (
	"fmt"
	"strings"

	"github.com/katasec/dstream-probe/internal/db"
)

// FirebirdDialect targets Firebird 2.5+ databases such as Microsip's
type FirebirdDialect struct {
	baseDialect
}

// NewFirebirdDialect returns the Firebird dialect
func NewFirebirdDialect() *FirebirdDialect {
	return &FirebirdDialect{baseDialect{name: db.Firebird, limit: limitFirst, placeholder: questionMark}}
}

func (d *FirebirdDialect) Fold(ident string) string  { return ident }
func (d *FirebirdDialect) Quote(ident string) string { return doubleQuote(ident) }

func (d *FirebirdDialect) TablesQuery() string {
	return `SELECT TRIM(RDB$RELATION_NAME) FROM RDB$RELATIONS WHERE COALESCE(RDB$SYSTEM_FLAG, 0) = 0 AND RDB$VIEW_BLR IS NULL ORDER BY 1`
}

func (d *FirebirdDialect) ColumnsQuery() string {
	return `SELECT TRIM(rf.RDB$FIELD_NAME),
    CASE f.RDB$FIELD_TYPE
        WHEN 7 THEN CASE WHEN f.RDB$FIELD_SCALE < 0 THEN 'NUMERIC' ELSE 'SMALLINT' END
        WHEN 8 THEN CASE WHEN f.RDB$FIELD_SCALE < 0 THEN 'NUMERIC' ELSE 'INTEGER' END
        WHEN 16 THEN CASE WHEN f.RDB$FIELD_SCALE < 0 THEN 'NUMERIC' ELSE 'BIGINT' END
        WHEN 10 THEN 'FLOAT'
        WHEN 27 THEN 'DOUBLE PRECISION'
        WHEN 12 THEN 'DATE'
        WHEN 13 THEN 'TIME'
        WHEN 35 THEN 'TIMESTAMP'
        WHEN 14 THEN 'CHAR'
        WHEN 37 THEN 'VARCHAR'
        WHEN 23 THEN 'BOOLEAN'
        WHEN 261 THEN CASE WHEN f.RDB$FIELD_SUB_TYPE = 1 THEN 'BLOB SUB_TYPE TEXT' ELSE 'BLOB' END
        ELSE 'UNKNOWN'
    END,
    COALESCE((SELECT s.RDB$FIELD_POSITION + 1
        FROM RDB$RELATION_CONSTRAINTS rc
        JOIN RDB$INDEX_SEGMENTS s ON s.RDB$INDEX_NAME = rc.RDB$INDEX_NAME
        WHERE rc.RDB$RELATION_NAME = rf.RDB$RELATION_NAME
            AND rc.RDB$CONSTRAINT_TYPE = 'PRIMARY KEY'
            AND s.RDB$FIELD_NAME = rf.RDB$FIELD_NAME), 0)
FROM RDB$RELATION_FIELDS rf
JOIN RDB$FIELDS f ON f.RDB$FIELD_NAME = rf.RDB$FIELD_SOURCE
WHERE rf.RDB$RELATION_NAME = ?
ORDER BY rf.RDB$FIELD_POSITION`
}

func (d *FirebirdDialect) TriggersQuery() string {
	return `SELECT TRIM(RDB$TRIGGER_NAME), TRIM(RDB$RELATION_NAME), RDB$TRIGGER_SOURCE FROM RDB$TRIGGERS WHERE RDB$TRIGGER_NAME STARTING WITH 'PROBE_' AND COALESCE(RDB$SYSTEM_FLAG, 0) = 0 ORDER BY 1`
}

func (d *FirebirdDialect) CompileChangeLog() []string {
	return []string{
		`EXECUTE BLOCK AS
BEGIN
    IF (NOT EXISTS (SELECT 1 FROM RDB$GENERATORS WHERE RDB$GENERATOR_NAME = 'PROBE_CHANGES_SEQ')) THEN
        EXECUTE STATEMENT 'CREATE SEQUENCE PROBE_CHANGES_SEQ';
END`,
		`CREATE TABLE PROBE_CHANGES_LOG (
    SEQ_ID BIGINT NOT NULL PRIMARY KEY,
    TABLE_NAME VARCHAR(63) NOT NULL,
    OPERATION VARCHAR(6) NOT NULL,
    PK_DATA BLOB SUB_TYPE TEXT,
    OLD_DATA BLOB SUB_TYPE TEXT,
    NEW_DATA BLOB SUB_TYPE TEXT,
    CAPTURED_AT TIMESTAMP DEFAULT CURRENT_TIMESTAMP NOT NULL
)`,
	}
}

func (d *FirebirdDialect) CompileTriggers(spec TableSpec) []string {
	var out []string
	for _, op := range []string{operationInsert, operationUpdate, operationDelete} {
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
		out = append(out, fmt.Sprintf(`CREATE OR ALTER TRIGGER %s FOR %s
ACTIVE AFTER %s POSITION 32000
AS
BEGIN
    INSERT INTO PROBE_CHANGES_LOG (SEQ_ID, TABLE_NAME, OPERATION, PK_DATA, OLD_DATA, NEW_DATA)
    VALUES (NEXT VALUE FOR PROBE_CHANGES_SEQ, %s, '%s',
        %s,
        %s,
        %s);
END`, TriggerName(spec.Name, op), d.Quote(spec.Name), op, sqlString(spec.Name), op, pk, oldImage, newImage))
	}
	return out
}

// jsonObject renders a JSON object by string concatenation; Firebird has no JSON functions
func (d *FirebirdDialect) jsonObject(row string, cols []Column) string {
	var b strings.Builder
	b.WriteString("CAST('{' AS BLOB SUB_TYPE TEXT)")
	for i, c := range cols {
		sep := ","
		if i == 0 {
			sep = ""
		}
		key := strings.ReplaceAll(c.Name, `"`, `\"`)
		fmt.Fprintf(&b, " || '%s\"%s\":' || %s", sep, strings.ReplaceAll(key, "'", "''"), d.jsonValue(row+"."+d.Quote(c.Name), c.Kind))
	}
	b.WriteString(" || '}'")
	return b.String()
}

func (d *FirebirdDialect) jsonValue(ref string, kind ColumnKind) string {
	switch kind {
	case KindInteger, KindDecimal, KindFloat:
		return fmt.Sprintf("COALESCE(CAST(%s AS VARCHAR(64)), 'null')", ref)
	case KindBool:
		return fmt.Sprintf("CASE WHEN %s IS NULL THEN 'null' WHEN %s THEN 'true' ELSE 'false' END", ref, ref)
	case KindDate, KindTime, KindTimestamp:
		return fmt.Sprintf(`COALESCE('"' || CAST(%s AS VARCHAR(64)) || '"', 'null')`, ref)
	default:
		escaped := fmt.Sprintf("CAST(%s AS BLOB SUB_TYPE TEXT)", ref)
		for _, r := range [][2]string{{`'\'`, `'\\'`}, {`'"'`, `'\"'`}, {"ASCII_CHAR(13)", `'\r'`}, {"ASCII_CHAR(10)", `'\n'`}, {"ASCII_CHAR(9)", `'\t'`}} {
			escaped = fmt.Sprintf("REPLACE(%s, %s, %s)", escaped, r[0], r[1])
		}
		return fmt.Sprintf(`COALESCE('"' || %s || '"', 'null')`, escaped)
	}
}

func (d *FirebirdDialect) CompileDrop(objs Objects) []string {
	var out []string
	for _, t := range objs.Triggers {
		out = append(out, "DROP TRIGGER "+t.Name)
	}
	if objs.ChangeLog {
		out = append(out, `EXECUTE BLOCK AS
BEGIN
    IF (EXISTS (SELECT 1 FROM RDB$RELATIONS WHERE RDB$RELATION_NAME = 'PROBE_CHANGES_LOG')) THEN
        EXECUTE STATEMENT 'DROP TABLE PROBE_CHANGES_LOG';
    IF (EXISTS (SELECT 1 FROM RDB$GENERATORS WHERE RDB$GENERATOR_NAME = 'PROBE_CHANGES_SEQ')) THEN
        EXECUTE STATEMENT 'DROP SEQUENCE PROBE_CHANGES_SEQ';
END`)
	}
	return out
}
