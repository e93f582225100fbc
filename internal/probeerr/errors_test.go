package probeerr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsAsThroughWrapping(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := fmt.Errorf("worker: %w", &DecodeError{SequenceID: 7, Table: "ARTICULOS", Err: cause})

	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, int64(7), decodeErr.SequenceID)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ARTICULOS seq 7")
}

func TestSchemaErrorMessage(t *testing.T) {
	err := &SchemaError{Table: "LOGS", Reason: "no primary key"}
	assert.Equal(t, "schema LOGS: no primary key", err.Error())

	err = &SchemaError{Object: "PROBE_CHANGES_LOG", Reason: "incompatible columns"}
	assert.Equal(t, "schema PROBE_CHANGES_LOG: incompatible columns", err.Error())
}

func TestDeliveryErrorRetryable(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{0, true},
		{500, true},
		{503, true},
		{429, true},
		{408, true},
		{400, false},
		{401, false},
		{409, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := &DeliveryError{StatusCode: tt.status, Err: errors.New("x")}
			assert.Equal(t, tt.want, err.Retryable())
		})
	}
}

func TestBufferCorruptionError(t *testing.T) {
	err := &BufferCorruptionError{Path: "probe_buffer.db", Detail: "quick_check failed"}
	assert.Equal(t, "buffer probe_buffer.db is corrupt: quick_check failed", err.Error())
}
