package handlers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/katasec/dstream-probe/internal/schema"
)

// Layouts accepted for timestamp values. Firebird casts render "2006-01-02 15:04:05.0000",
// SQL Server FOR JSON and PostgreSQL to_jsonb render ISO 8601 with or without an offset.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05-07",
	"2006-01-02T15:04:05-07",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

var timeLayouts = []string{"15:04:05", "15:04"}

const (
	dateLayout    = "2006-01-02"
	timeOutLayout = "15:04:05.999999999"
)

// coercer normalizes JSON payload values by column kind
type coercer struct {
	loc *time.Location
}

// coerce converts v to the canonical representation of kind. Nil stays nil.
func (c coercer) coerce(kind schema.ColumnKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case schema.KindInteger:
		return toInt(v)
	case schema.KindDecimal:
		return toDecimal(v)
	case schema.KindFloat:
		return toFloat(v)
	case schema.KindBool:
		return toBool(v)
	case schema.KindTimestamp:
		t, err := c.parseTimestamp(v)
		if err != nil {
			return nil, err
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	case schema.KindDate:
		t, err := c.parseTimestamp(v)
		if err != nil {
			return nil, err
		}
		return t.Format(dateLayout), nil
	case schema.KindTime:
		return toTimeOfDay(v)
	case schema.KindChar:
		if s, ok := v.(string); ok {
			return strings.TrimRight(s, " "), nil
		}
		return v, nil
	default:
		return v, nil
	}
}

func toInt(v any) (any, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		// Firebird renders scale-0 NUMERICs as "12.0000"
		f, err := x.Float64()
		if err != nil || f != float64(int64(f)) {
			return nil, fmt.Errorf("not an integer: %s", x)
		}
		return int64(f), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", x)
		}
		return i, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("not an integer: %v", v)
	}
}

func toDecimal(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		return x, nil
	case string:
		s := strings.TrimSpace(x)
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return nil, fmt.Errorf("not a decimal: %q", x)
		}
		return json.Number(s), nil
	default:
		return nil, fmt.Errorf("not a decimal: %v", v)
	}
}

func toFloat(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("not a number: %s", x)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", x)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("not a number: %v", v)
	}
}

func toBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case json.Number:
		return parseFlag(x.String())
	case string:
		return parseFlag(x)
	default:
		return nil, fmt.Errorf("not a boolean: %v", v)
	}
}

// parseFlag reads the boolean spellings found in POS schemas (1/0, TRUE/FALSE, S/N, Y/N, T/F)
func parseFlag(s string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "1", "TRUE", "T", "S", "SI", "Y", "YES":
		return true, nil
	case "0", "FALSE", "F", "N", "NO":
		return false, nil
	default:
		return false, fmt.Errorf("not a boolean: %q", s)
	}
}

func (c coercer) parseTimestamp(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("not a timestamp: %v", v)
	}
	s = strings.TrimSpace(s)
	loc := c.loc
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("not a timestamp: %q", s)
}

func toTimeOfDay(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("not a time: %v", v)
	}
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(timeOutLayout), nil
		}
	}
	return nil, fmt.Errorf("not a time: %q", s)
}
