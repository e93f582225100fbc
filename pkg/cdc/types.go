package cdc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Operation represents the type of change captured for a row
type Operation string

const (
	// Insert represents a new row being added
	Insert Operation = "insert"
	// Update represents a row being modified
	Update Operation = "update"
	// Delete represents a row being removed
	Delete Operation = "delete"
)

// ParseOperation accepts the change-log spelling (INSERT, U, ...) in any case.
func ParseOperation(s string) (Operation, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INSERT", "I":
		return Insert, nil
	case "UPDATE", "U":
		return Update, nil
	case "DELETE", "D":
		return Delete, nil
	default:
		return "", fmt.Errorf("unknown operation %q", s)
	}
}

// RawChangeRecord is one row of the change-log table.
type RawChangeRecord struct {
	SequenceID int64
	TableName  string
	Operation  Operation
	KeyData    string
	OldData    string
	NewData    string
	CapturedAt time.Time

	// Generation identifies the change-log installation the row was read from.
	Generation string
}

// KeyColumn is one column of a primary key.
type KeyColumn struct {
	Name  string
	Value any
}

// PrimaryKey keeps key columns in declared order and encodes as a JSON object in that order.
type PrimaryKey []KeyColumn

// Get returns the value of the named key column.
func (pk PrimaryKey) Get(name string) (any, bool) {
	for _, c := range pk {
		if strings.EqualFold(c.Name, name) {
			return c.Value, true
		}
	}
	return nil, false
}

// MarshalJSON implements json.Marshaler
func (pk PrimaryKey) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range pk {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(c.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(c.Value)
		if err != nil {
			return nil, fmt.Errorf("key column %s: %w", c.Name, err)
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler and preserves the document order of the keys.
func (pk *PrimaryKey) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*pk = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("primary key must be a JSON object")
	}

	out := PrimaryKey{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected key token %v", tok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("key column %s: %w", name, err)
		}
		out = append(out, KeyColumn{Name: name, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*pk = out
	return nil
}

// Change is the normalized event delivered to the cloud endpoint
type Change struct {
	ID         string         `json:"id"`
	Table      string         `json:"table"`
	Operation  Operation      `json:"operation"`
	SequenceID int64          `json:"sequenceId"`
	PrimaryKey PrimaryKey     `json:"primaryKey"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// changeNamespace scopes the name-based UUIDs produced by ChangeID.
var changeNamespace = uuid.MustParse("6f1c2a3e-9b57-4d0a-8f43-2c1e5d7a9b10")

// ChangeID derives the idempotency key of a change. The same generation, table and
// sequence id always yield the same ID.
func ChangeID(generation, table string, sequenceID int64) string {
	name := fmt.Sprintf("%s/%s/%d", generation, strings.ToUpper(table), sequenceID)
	return uuid.NewSHA1(changeNamespace, []byte(name)).String()
}
