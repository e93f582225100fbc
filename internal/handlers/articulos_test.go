package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-probe/internal/probeerr"
	"github.com/katasec/dstream-probe/pkg/cdc"
)

func articuloImage(t *testing.T, id int, nombre string) string {
	t.Helper()
	row := map[string]any{
		"ARTICULO_ID":       id,
		"NOMBRE":            "  " + nombre + "   ",
		"ES_ALMACENABLE":    "S",
		"IMPRIMIR_ETIQUETA": "N",
		"PRECIO":            json.Number("99.90"),
		"ACTIVO":            "S",
	}
	b, err := json.Marshal(row)
	require.NoError(t, err)
	return string(b)
}

func TestArticulosDecoderInsert(t *testing.T) {
	spec := articulosSpec()
	d := NewArticulosDecoder(NewGenericDecoder(&spec))

	id := gofakeit.Number(1, 100000)
	nombre := gofakeit.ProductName()
	rec := record("ARTICULOS", cdc.Insert, fmt.Sprintf(`{"ARTICULO_ID":%d}`, id), "", articuloImage(t, id, nombre))

	change, err := d.Decode(rec)
	require.NoError(t, err)

	assert.Equal(t, cdc.PrimaryKey{{Name: "ARTICULO_ID", Value: int64(id)}}, change.PrimaryKey)
	assert.Equal(t, nombre, change.After["NOMBRE"])
	assert.Equal(t, true, change.After["ES_ALMACENABLE"])
	assert.Equal(t, false, change.After["IMPRIMIR_ETIQUETA"])
	assert.Equal(t, true, change.After["ACTIVO"])
	assert.Equal(t, json.Number("99.90"), change.After["PRECIO"])
}

func TestArticulosDecoderWithoutSpec(t *testing.T) {
	d := NewArticulosDecoder(NewGenericDecoder(nil))

	change, err := d.Decode(record("ARTICULOS", cdc.Update, `{"ARTICULO_ID":8}`,
		`{"ARTICULO_ID":8,"NOMBRE":"Pinza ","ES_ALMACENABLE":"N","ES_JUEGO":"X"}`,
		`{"ARTICULO_ID":8,"NOMBRE":"Pinza larga ","ES_ALMACENABLE":"s","ES_JUEGO":"X"}`))
	require.NoError(t, err)

	assert.Equal(t, "Pinza", change.Before["NOMBRE"])
	assert.Equal(t, false, change.Before["ES_ALMACENABLE"])
	assert.Equal(t, "Pinza larga", change.After["NOMBRE"])
	assert.Equal(t, true, change.After["ES_ALMACENABLE"])
	assert.Equal(t, "X", change.After["ES_JUEGO"])
}

func TestArticulosDecoderRejectsNullKey(t *testing.T) {
	spec := articulosSpec()
	d := NewArticulosDecoder(NewGenericDecoder(&spec))

	rec := record("ARTICULOS", cdc.Insert, `{"ARTICULO_ID":null}`, "", `{"ARTICULO_ID":null,"NOMBRE":"x"}`)
	_, err := d.Decode(rec)
	require.Error(t, err)

	var decodeErr *probeerr.DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, "ARTICULOS", decodeErr.Table)
	assert.Equal(t, rec.SequenceID, decodeErr.SequenceID)
	assert.Contains(t, err.Error(), "ARTICULO_ID is null")
}

func TestIsFlagColumn(t *testing.T) {
	assert.True(t, isFlagColumn("ES_ALMACENABLE"))
	assert.True(t, isFlagColumn("imprimir_comentarios"))
	assert.False(t, isFlagColumn("NOMBRE"))
	assert.False(t, isFlagColumn("PRES_ID"))
}
