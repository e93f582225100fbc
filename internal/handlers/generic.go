package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/katasec/dstream-probe/internal/probeerr"
	"github.com/katasec/dstream-probe/internal/schema"
	"github.com/katasec/dstream-probe/pkg/cdc"
)

var (
	errMissingKey   = errors.New("missing primary key")
	errMissingImage = errors.New("missing row image")
)

// GenericDecoder decodes change-log rows of any table. With a TableSpec it
// coerces values by column kind and orders the key by ordinal; without one it
// passes JSON values through.
type GenericDecoder struct {
	spec    *schema.TableSpec
	text    textRepairer
	coercer coercer
}

// DecoderOption customizes a GenericDecoder
type DecoderOption func(*GenericDecoder)

// WithCharset sets the charset used to repair non UTF-8 payload text
func WithCharset(charset string) DecoderOption {
	return func(d *GenericDecoder) {
		d.text = newTextRepairer(charset)
	}
}

// WithLocation sets the zone of timestamps that carry no offset
func WithLocation(loc *time.Location) DecoderOption {
	return func(d *GenericDecoder) {
		d.coercer.loc = loc
	}
}

// NewGenericDecoder creates a decoder; spec may be nil
func NewGenericDecoder(spec *schema.TableSpec, opts ...DecoderOption) *GenericDecoder {
	d := &GenericDecoder{
		spec:    spec,
		text:    newTextRepairer(""),
		coercer: coercer{loc: time.UTC},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode implements cdc.Decoder
func (d *GenericDecoder) Decode(rec cdc.RawChangeRecord) (cdc.Change, error) {
	change, err := d.decode(rec)
	if err != nil {
		return cdc.Change{}, &probeerr.DecodeError{SequenceID: rec.SequenceID, Table: rec.TableName, Err: err}
	}
	return change, nil
}

func (d *GenericDecoder) decode(rec cdc.RawChangeRecord) (cdc.Change, error) {
	if rec.TableName == "" {
		return cdc.Change{}, errors.New("missing table name")
	}
	op, err := cdc.ParseOperation(string(rec.Operation))
	if err != nil {
		return cdc.Change{}, err
	}

	before, err := d.image(rec.OldData)
	if err != nil {
		return cdc.Change{}, fmt.Errorf("old image: %w", err)
	}
	after, err := d.image(rec.NewData)
	if err != nil {
		return cdc.Change{}, fmt.Errorf("new image: %w", err)
	}

	switch op {
	case cdc.Insert, cdc.Update:
		if after == nil {
			return cdc.Change{}, fmt.Errorf("%s: %w", op, errMissingImage)
		}
	case cdc.Delete:
		if before == nil {
			return cdc.Change{}, fmt.Errorf("%s: %w", op, errMissingImage)
		}
	}

	pk, err := d.primaryKey(rec.KeyData, before, after)
	if err != nil {
		return cdc.Change{}, err
	}

	return cdc.Change{
		ID:         cdc.ChangeID(rec.Generation, rec.TableName, rec.SequenceID),
		Table:      rec.TableName,
		Operation:  op,
		SequenceID: rec.SequenceID,
		PrimaryKey: pk,
		Before:     before,
		After:      after,
		OccurredAt: rec.CapturedAt.UTC(),
	}, nil
}

// image parses a row image; empty text and JSON null yield a nil map
func (d *GenericDecoder) image(data string) (map[string]any, error) {
	data = strings.TrimSpace(d.text.repair(data))
	if data == "" || data == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	for name, v := range row {
		coerced, err := d.value(name, v)
		if err != nil {
			return nil, err
		}
		row[name] = coerced
	}
	return row, nil
}

func (d *GenericDecoder) value(name string, v any) (any, error) {
	if d.spec == nil {
		return v, nil
	}
	col, ok := d.spec.Column(name)
	if !ok {
		return v, nil
	}
	out, err := d.coercer.coerce(col.Kind, v)
	if err != nil {
		return nil, fmt.Errorf("column %s: %w", name, err)
	}
	return out, nil
}

// primaryKey parses the key image. When it is empty the key is read from the row
// image using the spec's key columns.
func (d *GenericDecoder) primaryKey(data string, before, after map[string]any) (cdc.PrimaryKey, error) {
	var pk cdc.PrimaryKey
	data = strings.TrimSpace(d.text.repair(data))
	if data != "" && data != "null" {
		if err := json.Unmarshal([]byte(data), &pk); err != nil {
			return nil, fmt.Errorf("invalid primary key: %w", err)
		}
	}

	if len(pk) == 0 && d.spec != nil {
		row := after
		if row == nil {
			row = before
		}
		for _, col := range d.spec.PrimaryKey() {
			if v, ok := lookup(row, col.Name); ok {
				pk = append(pk, cdc.KeyColumn{Name: col.Name, Value: v})
			}
		}
	}
	if len(pk) == 0 {
		return nil, errMissingKey
	}

	for i := range pk {
		v, err := d.value(pk[i].Name, pk[i].Value)
		if err != nil {
			return nil, fmt.Errorf("primary key: %w", err)
		}
		pk[i].Value = v
	}

	if d.spec != nil {
		// jsonb reorders object keys; restore declared key order
		ordinal := func(name string) int {
			if c, ok := d.spec.Column(name); ok && c.PKOrdinal > 0 {
				return c.PKOrdinal
			}
			return len(pk) + 1
		}
		sort.SliceStable(pk, func(i, j int) bool { return ordinal(pk[i].Name) < ordinal(pk[j].Name) })
	}
	return pk, nil
}

func lookup(row map[string]any, name string) (any, bool) {
	if v, ok := row[name]; ok {
		return v, true
	}
	for k, v := range row {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}
