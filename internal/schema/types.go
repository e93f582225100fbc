package schema

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// Reserved object names. Every object the probe creates starts with ReservedPrefix.
const (
	ReservedPrefix  = "PROBE_"
	ChangeLogTable  = "PROBE_CHANGES_LOG"
	ChangeLogSeq    = "PROBE_CHANGES_SEQ"
	operationInsert = "INSERT"
	operationUpdate = "UPDATE"
	operationDelete = "DELETE"
)

// ChangeLogColumns is the column set of the change-log table, in order
var ChangeLogColumns = []string{"SEQ_ID", "TABLE_NAME", "OPERATION", "PK_DATA", "OLD_DATA", "NEW_DATA", "CAPTURED_AT"}

// IsReserved reports whether name belongs to the probe's own objects
func IsReserved(name string) bool {
	return strings.HasPrefix(strings.ToUpper(name), ReservedPrefix)
}

// ColumnKind is the value family of a column, independent of the dialect
type ColumnKind string

const (
	KindText      ColumnKind = "text"
	KindChar      ColumnKind = "char"
	KindInteger   ColumnKind = "integer"
	KindDecimal   ColumnKind = "decimal"
	KindFloat     ColumnKind = "float"
	KindBool      ColumnKind = "bool"
	KindTimestamp ColumnKind = "timestamp"
	KindDate      ColumnKind = "date"
	KindTime      ColumnKind = "time"
	KindBinary    ColumnKind = "binary"
	KindUnknown   ColumnKind = "unknown"
)

var (
	textTypes    = []string{"varchar", "character varying", "text", "clob", "json", "xml", "uuid", "uniqueidentifier", "string", "citext"}
	charTypes    = []string{"char", "nchar", "character", "bpchar"}
	binaryTypes  = []string{"blob", "binary", "bytea", "image", "rowversion"}
	boolTypes    = []string{"bool", "boolean", "bit"}
	integerTypes = []string{"smallint", "integer", "int", "bigint", "tinyint", "mediumint", "int2", "int4", "int8", "serial", "bigserial", "smallserial"}
	decimalTypes = []string{"numeric", "decimal", "money", "smallmoney", "number"}
	floatTypes   = []string{"float", "double", "double precision", "real", "float4", "float8"}
)

// ClassifyType maps a catalog type name to a ColumnKind
func ClassifyType(typeName string) ColumnKind {
	t := strings.ToLower(strings.TrimSpace(typeName))
	base := t
	if i := strings.Index(base, "("); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	base = strings.TrimSuffix(base, " unsigned")

	switch {
	case t == "" || strings.Contains(t, "interval"):
		return KindUnknown
	case strings.HasPrefix(t, "blob sub_type text"), strings.HasPrefix(t, "blob sub_type 1"):
		return KindText
	case containsAny(t, textTypes):
		return KindText
	case oneOf(base, charTypes):
		return KindChar
	case containsAny(t, binaryTypes):
		return KindBinary
	case oneOf(base, boolTypes):
		return KindBool
	case strings.Contains(t, "timestamp"), strings.Contains(t, "datetime"):
		return KindTimestamp
	case base == "date":
		return KindDate
	case base == "time", strings.HasPrefix(t, "time "):
		return KindTime
	case oneOf(base, integerTypes):
		return KindInteger
	case oneOf(base, decimalTypes):
		return KindDecimal
	case oneOf(base, floatTypes):
		return KindFloat
	default:
		return KindUnknown
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func oneOf(s string, set []string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Column describes one column of a source table.
// PKOrdinal is the 1-based position within the primary key, 0 when not part of it.
type Column struct {
	Name      string
	Type      string
	Kind      ColumnKind
	PKOrdinal int
}

// TableSpec describes a source table
type TableSpec struct {
	Name    string
	Columns []Column
}

// PrimaryKey returns the key columns ordered by key position
func (t TableSpec) PrimaryKey() []Column {
	var pk []Column
	for _, c := range t.Columns {
		if c.PKOrdinal > 0 {
			pk = append(pk, c)
		}
	}
	sort.SliceStable(pk, func(i, j int) bool { return pk[i].PKOrdinal < pk[j].PKOrdinal })
	return pk
}

// HasPrimaryKey reports whether any column is part of the primary key
func (t TableSpec) HasPrimaryKey() bool {
	return len(t.PrimaryKey()) > 0
}

// ImageColumns returns the columns captured in row images; binary columns are left out
func (t TableSpec) ImageColumns() []Column {
	out := make([]Column, 0, len(t.Columns))
	for _, c := range t.Columns {
		if c.Kind != KindBinary {
			out = append(out, c)
		}
	}
	return out
}

// BinaryColumns returns the columns excluded from row images
func (t TableSpec) BinaryColumns() []Column {
	var out []Column
	for _, c := range t.Columns {
		if c.Kind == KindBinary {
			out = append(out, c)
		}
	}
	return out
}

// Column looks up a column by name, ignoring case
func (t TableSpec) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// TriggerInfo is a trigger read back from the catalog
type TriggerInfo struct {
	Name  string
	Table string
	Body  string
}

// Objects lists what CompileDrop removes
type Objects struct {
	Triggers  []TriggerInfo
	ChangeLog bool
}

// TableHash is the stable short identifier embedded in trigger names
func TableHash(table string) string {
	h := fnv.New32a()
	h.Write([]byte(strings.ToUpper(table)))
	return fmt.Sprintf("%08X", h.Sum32())
}

// TriggerName returns the reserved trigger name for table and operation (INSERT, UPDATE or DELETE)
func TriggerName(table, operation string) string {
	return fmt.Sprintf("%s%s_%c", ReservedPrefix, TableHash(table), operation[0])
}

// TriggerNames returns the insert, update and delete trigger names for table
func TriggerNames(table string) []string {
	return []string{
		TriggerName(table, operationInsert),
		TriggerName(table, operationUpdate),
		TriggerName(table, operationDelete),
	}
}
