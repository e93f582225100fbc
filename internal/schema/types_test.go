package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyType(t *testing.T) {
	tests := []struct {
		typeName string
		want     ColumnKind
	}{
		{"INTEGER", KindInteger},
		{"SMALLINT", KindInteger},
		{"bigint", KindInteger},
		{"int(11) unsigned", KindInteger},
		{"NUMERIC", KindDecimal},
		{"numeric(18,2)", KindDecimal},
		{"money", KindDecimal},
		{"DOUBLE PRECISION", KindFloat},
		{"real", KindFloat},
		{"VARCHAR", KindText},
		{"character varying", KindText},
		{"nvarchar", KindText},
		{"BLOB SUB_TYPE TEXT", KindText},
		{"uniqueidentifier", KindText},
		{"CHAR", KindChar},
		{"character(10)", KindChar},
		{"nchar", KindChar},
		{"BLOB", KindBinary},
		{"bytea", KindBinary},
		{"varbinary", KindBinary},
		{"BOOLEAN", KindBool},
		{"bit", KindBool},
		{"TIMESTAMP", KindTimestamp},
		{"timestamp with time zone", KindTimestamp},
		{"datetime2", KindTimestamp},
		{"DATE", KindDate},
		{"TIME", KindTime},
		{"time without time zone", KindTime},
		{"interval", KindUnknown},
		{"point", KindUnknown},
		{"", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.typeName, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyType(tt.typeName))
		})
	}
}

func TestTriggerNamesAreStableAndCaseInsensitive(t *testing.T) {
	names := TriggerNames("articulos")
	assert.Equal(t, TriggerNames("ARTICULOS"), names)
	assert.Len(t, names, 3)
	for i, suffix := range []string{"_I", "_U", "_D"} {
		assert.Regexp(t, `^PROBE_[0-9A-F]{8}`+suffix+`$`, names[i])
	}
	assert.NotEqual(t, TriggerNames("CLIENTES"), names)
}

func TestTableSpecKeysAndImages(t *testing.T) {
	spec := TableSpec{Name: "DOCTOS_PV_DET", Columns: []Column{
		{Name: "POSICION", Kind: KindInteger, PKOrdinal: 2},
		{Name: "DOCTO_PV_ID", Kind: KindInteger, PKOrdinal: 1},
		{Name: "FOTO", Kind: KindBinary},
		{Name: "UNIDADES", Kind: KindFloat},
	}}

	pk := spec.PrimaryKey()
	assert.Equal(t, "DOCTO_PV_ID", pk[0].Name)
	assert.Equal(t, "POSICION", pk[1].Name)
	assert.True(t, spec.HasPrimaryKey())
	assert.Len(t, spec.ImageColumns(), 3)
	assert.Len(t, spec.BinaryColumns(), 1)

	c, ok := spec.Column("unidades")
	assert.True(t, ok)
	assert.Equal(t, KindFloat, c.Kind)
	assert.False(t, TableSpec{Name: "LOGS"}.HasPrimaryKey())
}

func TestIsReserved(t *testing.T) {
	assert.True(t, IsReserved("PROBE_CHANGES_LOG"))
	assert.True(t, IsReserved("probe_changes_log"))
	assert.False(t, IsReserved("ARTICULOS"))
}
