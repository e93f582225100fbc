package handlers

import (
	"fmt"
	"strings"

	"github.com/katasec/dstream-probe/internal/probeerr"
	"github.com/katasec/dstream-probe/pkg/cdc"
)

// ArticulosTable is the Microsip product catalogue
const ArticulosTable = "ARTICULOS"

// flagPrefixes name the S/N columns of ARTICULOS
var flagPrefixes = []string{"ES_", "IMPRIMIR_"}

// ArticulosDecoder decodes ARTICULOS rows. It builds on the generic decoder and
// additionally trims text padding, turns S/N flags into booleans and rejects
// rows whose key has a null column.
type ArticulosDecoder struct {
	generic *GenericDecoder
}

// NewArticulosDecoder wraps generic, which carries the table spec when known
func NewArticulosDecoder(generic *GenericDecoder) *ArticulosDecoder {
	return &ArticulosDecoder{generic: generic}
}

// Decode implements cdc.Decoder
func (d *ArticulosDecoder) Decode(rec cdc.RawChangeRecord) (cdc.Change, error) {
	change, err := d.generic.Decode(rec)
	if err != nil {
		return cdc.Change{}, err
	}

	for _, k := range change.PrimaryKey {
		if k.Value == nil {
			return cdc.Change{}, &probeerr.DecodeError{
				SequenceID: rec.SequenceID,
				Table:      rec.TableName,
				Err:        fmt.Errorf("primary key column %s is null", k.Name),
			}
		}
	}

	normalizeArticulo(change.Before)
	normalizeArticulo(change.After)
	return change, nil
}

func normalizeArticulo(row map[string]any) {
	for name, v := range row {
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if isFlagColumn(name) {
			switch strings.ToUpper(s) {
			case "S":
				row[name] = true
				continue
			case "N":
				row[name] = false
				continue
			}
		}
		row[name] = s
	}
}

func isFlagColumn(name string) bool {
	upper := strings.ToUpper(name)
	for _, p := range flagPrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	return false
}
