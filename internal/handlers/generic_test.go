package handlers

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-probe/internal/probeerr"
	"github.com/katasec/dstream-probe/internal/schema"
	"github.com/katasec/dstream-probe/pkg/cdc"
)

const testGeneration = "0190f3a2-7c1e-7d2b-9a4f-3b6c5d8e9f01"

func articulosSpec() schema.TableSpec {
	return schema.TableSpec{Name: "ARTICULOS", Columns: []schema.Column{
		{Name: "ARTICULO_ID", Kind: schema.KindInteger, PKOrdinal: 1},
		{Name: "NOMBRE", Kind: schema.KindText},
		{Name: "ES_ALMACENABLE", Kind: schema.KindChar},
		{Name: "IMPRIMIR_ETIQUETA", Kind: schema.KindChar},
		{Name: "PRECIO", Kind: schema.KindDecimal},
		{Name: "ACTIVO", Kind: schema.KindBool},
		{Name: "FECHA_ALTA", Kind: schema.KindTimestamp},
	}}
}

func detalleSpec() schema.TableSpec {
	return schema.TableSpec{Name: "DOCTOS_PV_DET", Columns: []schema.Column{
		{Name: "POSICION", Kind: schema.KindInteger, PKOrdinal: 2},
		{Name: "DOCTO_PV_ID", Kind: schema.KindInteger, PKOrdinal: 1},
		{Name: "UNIDADES", Kind: schema.KindFloat},
		{Name: "FECHA", Kind: schema.KindDate},
		{Name: "HORA", Kind: schema.KindTime},
	}}
}

func record(table string, op cdc.Operation, key, oldData, newData string) cdc.RawChangeRecord {
	return cdc.RawChangeRecord{
		SequenceID: int64(gofakeit.Number(1, 1_000_000)),
		TableName:  table,
		Operation:  op,
		KeyData:    key,
		OldData:    oldData,
		NewData:    newData,
		CapturedAt: time.Date(2024, 1, 15, 16, 30, 0, 0, time.UTC),
		Generation: testGeneration,
	}
}

func TestGenericDecoderCoercesByKind(t *testing.T) {
	spec := articulosSpec()
	d := NewGenericDecoder(&spec)

	rec := record("ARTICULOS", cdc.Insert, `{"ARTICULO_ID":1}`, "",
		`{"ARTICULO_ID":1,"NOMBRE":"Martillo","ES_ALMACENABLE":"S  ","PRECIO":12.50,"ACTIVO":1,"FECHA_ALTA":"2024-01-15 10:30:00.0000"}`)

	change, err := d.Decode(rec)
	require.NoError(t, err)

	assert.Equal(t, cdc.ChangeID(testGeneration, "ARTICULOS", rec.SequenceID), change.ID)
	assert.Equal(t, "ARTICULOS", change.Table)
	assert.Equal(t, cdc.Insert, change.Operation)
	assert.Equal(t, rec.SequenceID, change.SequenceID)
	assert.Equal(t, rec.CapturedAt, change.OccurredAt)
	assert.Nil(t, change.Before)

	assert.Equal(t, cdc.PrimaryKey{{Name: "ARTICULO_ID", Value: int64(1)}}, change.PrimaryKey)
	assert.Equal(t, map[string]any{
		"ARTICULO_ID":    int64(1),
		"NOMBRE":         "Martillo",
		"ES_ALMACENABLE": "S",
		"PRECIO":         json.Number("12.50"),
		"ACTIVO":         true,
		"FECHA_ALTA":     "2024-01-15T10:30:00Z",
	}, change.After)
}

func TestGenericDecoderRestoresKeyOrder(t *testing.T) {
	spec := detalleSpec()
	d := NewGenericDecoder(&spec)

	rec := record("doctos_pv_det", cdc.Update, `{"POSICION":2,"DOCTO_PV_ID":7}`,
		`{"POSICION":2,"DOCTO_PV_ID":7,"UNIDADES":1.5,"FECHA":"2024-01-15","HORA":"10:30:00.0000"}`,
		`{"POSICION":2,"DOCTO_PV_ID":7,"UNIDADES":3,"FECHA":"2024-01-15T00:00:00","HORA":"10:31:05"}`)

	change, err := d.Decode(rec)
	require.NoError(t, err)

	key, err := json.Marshal(change.PrimaryKey)
	require.NoError(t, err)
	assert.Equal(t, `{"DOCTO_PV_ID":7,"POSICION":2}`, string(key))

	assert.Equal(t, 1.5, change.Before["UNIDADES"])
	assert.Equal(t, 3.0, change.After["UNIDADES"])
	assert.Equal(t, "2024-01-15", change.Before["FECHA"])
	assert.Equal(t, "2024-01-15", change.After["FECHA"])
	assert.Equal(t, "10:30:00", change.Before["HORA"])
	assert.Equal(t, "10:31:05", change.After["HORA"])
}

func TestGenericDecoderDerivesKeyFromImage(t *testing.T) {
	spec := detalleSpec()
	d := NewGenericDecoder(&spec)

	change, err := d.Decode(record("DOCTOS_PV_DET", cdc.Delete, "",
		`{"POSICION":4,"DOCTO_PV_ID":9,"UNIDADES":1}`, ""))
	require.NoError(t, err)
	assert.Equal(t, cdc.PrimaryKey{
		{Name: "DOCTO_PV_ID", Value: int64(9)},
		{Name: "POSICION", Value: int64(4)},
	}, change.PrimaryKey)
}

func TestGenericDecoderWithoutSpec(t *testing.T) {
	d := NewGenericDecoder(nil)

	change, err := d.Decode(record("CLIENTES", cdc.Operation("U"), `{"CLIENTE_ID":3}`,
		`{"CLIENTE_ID":3,"NOMBRE":"Ana  "}`, `{"CLIENTE_ID":3,"NOMBRE":"Ana María"}`))
	require.NoError(t, err)

	assert.Equal(t, cdc.Update, change.Operation)
	assert.Equal(t, cdc.PrimaryKey{{Name: "CLIENTE_ID", Value: json.Number("3")}}, change.PrimaryKey)
	assert.Equal(t, "Ana  ", change.Before["NOMBRE"])
	assert.Equal(t, "Ana María", change.After["NOMBRE"])
}

func TestGenericDecoderRepairsSourceCharset(t *testing.T) {
	d := NewGenericDecoder(nil, WithCharset("WIN1252"))

	change, err := d.Decode(record("ARTICULOS", cdc.Insert, `{"ARTICULO_ID":5}`, "",
		"{\"ARTICULO_ID\":5,\"NOMBRE\":\"PI\xd1ATA\"}"))
	require.NoError(t, err)
	assert.Equal(t, "PIÑATA", change.After["NOMBRE"])
}

func TestGenericDecoderAppliesLocation(t *testing.T) {
	spec := articulosSpec()
	d := NewGenericDecoder(&spec, WithLocation(time.FixedZone("CST", -6*3600)))

	change, err := d.Decode(record("ARTICULOS", cdc.Insert, `{"ARTICULO_ID":1}`, "",
		`{"ARTICULO_ID":1,"FECHA_ALTA":"2024-01-15 10:30:00"}`))
	require.NoError(t, err)
	assert.Equal(t, "2024-01-15T16:30:00Z", change.After["FECHA_ALTA"])
}

func TestGenericDecoderErrors(t *testing.T) {
	spec := articulosSpec()
	d := NewGenericDecoder(&spec)

	tests := []struct {
		name string
		rec  cdc.RawChangeRecord
		is   error
	}{
		{"unknown operation", record("ARTICULOS", cdc.Operation("MERGE"), `{"ARTICULO_ID":1}`, "", `{}`), nil},
		{"insert without new image", record("ARTICULOS", cdc.Insert, `{"ARTICULO_ID":1}`, "", ""), errMissingImage},
		{"delete without old image", record("ARTICULOS", cdc.Delete, `{"ARTICULO_ID":1}`, "", "null"), errMissingImage},
		{"invalid json", record("ARTICULOS", cdc.Insert, `{"ARTICULO_ID":1}`, "", `{"NOMBRE":`), nil},
		{"bad integer", record("ARTICULOS", cdc.Insert, `{"ARTICULO_ID":1}`, "", `{"ARTICULO_ID":"uno"}`), nil},
		{"bad timestamp", record("ARTICULOS", cdc.Insert, `{"ARTICULO_ID":1}`, "", `{"FECHA_ALTA":"ayer"}`), nil},
		{"missing key", record("ARTICULOS", cdc.Insert, "", "", `{"NOMBRE":"x"}`), errMissingKey},
		{"missing table", record("", cdc.Insert, `{"ID":1}`, "", `{"ID":1}`), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode(tt.rec)
			require.Error(t, err)

			var decodeErr *probeerr.DecodeError
			require.True(t, errors.As(err, &decodeErr))
			assert.Equal(t, tt.rec.SequenceID, decodeErr.SequenceID)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestParseFlag(t *testing.T) {
	for _, s := range []string{"1", "true", "T", "S", "si", "Y"} {
		v, err := parseFlag(s)
		require.NoError(t, err, s)
		assert.True(t, v, s)
	}
	for _, s := range []string{"0", "FALSE", "f", "N", "no"} {
		v, err := parseFlag(s)
		require.NoError(t, err, s)
		assert.False(t, v, s)
	}
	_, err := parseFlag("quizas")
	assert.Error(t, err)
}

func TestSourceEncoding(t *testing.T) {
	assert.NotNil(t, SourceEncoding("WIN1252"))
	assert.NotNil(t, SourceEncoding("iso8859_1"))
	assert.NotNil(t, SourceEncoding("Windows-1252"))
	assert.Nil(t, SourceEncoding("UTF8"))
	assert.Nil(t, SourceEncoding("NONE"))
}
