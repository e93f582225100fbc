// Package probeerr defines the typed errors shared across the probe.
package probeerr

import "fmt"

// ConnectionError reports that the source database could not be reached
type ConnectionError struct {
	Dialect  string
	Path     string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s database %s after %d attempt(s): %v", e.Dialect, e.Path, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SchemaError reports a problem with a table or an object owned by the probe
type SchemaError struct {
	Table  string
	Object string
	Reason string
	Err    error
}

func (e *SchemaError) Error() string {
	subject := e.Table
	if e.Object != "" {
		if subject != "" {
			subject += "/"
		}
		subject += e.Object
	}
	msg := fmt.Sprintf("schema %s: %s", subject, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SchemaError) Unwrap() error { return e.Err }

// DecodeError reports a change-log row that could not be turned into a change
type DecodeError struct {
	SequenceID int64
	Table      string
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s seq %d: %v", e.Table, e.SequenceID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DeliveryError reports a failed delivery to the cloud endpoint.
// StatusCode is zero for transport failures.
type DeliveryError struct {
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed
func (e *DeliveryError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 408 || e.StatusCode == 429 || e.StatusCode >= 500
}

// BufferCorruptionError reports an unreadable local buffer file
type BufferCorruptionError struct {
	Path   string
	Detail string
	Err    error
}

func (e *BufferCorruptionError) Error() string {
	msg := fmt.Sprintf("buffer %s is corrupt", e.Path)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BufferCorruptionError) Unwrap() error { return e.Err }
