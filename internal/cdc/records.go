package cdc

import (
	"fmt"
	"strings"
	"time"
)

var capturedAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseCapturedAt reads CAPTURED_AT as returned by any of the drivers: a
// time.Time (Firebird, SQL Server, PostgreSQL) or text (SQLite). Values without
// a zone are taken as UTC.
func parseCapturedAt(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseCapturedText(t)
	case []byte:
		return parseCapturedText(string(t))
	case nil:
		return time.Time{}, fmt.Errorf("capture time is null")
	default:
		return time.Time{}, fmt.Errorf("unsupported capture time type %T", v)
	}
}

func parseCapturedText(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range capturedAtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized capture time %q", s)
}

// trimName removes the padding Firebird leaves on CHAR metadata names
func trimName(s string) string {
	return strings.TrimSpace(s)
}
