package buffer

import (
	"errors"
	"time"

	"github.com/katasec/dstream-probe/pkg/cdc"
)

// Status is the delivery state of a buffer entry
type Status string

const (
	StatusPending      Status = "pending"
	StatusInFlight     Status = "in_flight"
	StatusDelivered    Status = "delivered"
	StatusDeadLettered Status = "dead_lettered"
)

const (
	kindChange = "change"
	kindRaw    = "raw"
)

var (
	// ErrNotFound is returned when no entry has the requested id
	ErrNotFound = errors.New("buffer entry not found")
	// ErrInvalidTransition is returned when an entry is not in the state an operation requires
	ErrInvalidTransition = errors.New("invalid buffer entry transition")
	// ErrUndecoded is returned when requeueing a dead letter that holds an undecodable row
	ErrUndecoded = errors.New("dead letter holds an undecoded change-log row")
	// ErrReadOnly is returned by writes on a buffer opened with OpenReadOnly
	ErrReadOnly = errors.New("buffer is read-only")
)

// Entry is a change persisted in the buffer together with its delivery state.
// Raw is set instead of a full Change for rows that failed to decode.
type Entry struct {
	Change          cdc.Change
	Raw             *cdc.RawChangeRecord
	Status          Status
	AttemptCount    int
	FirstEnqueuedAt time.Time
	LastAttemptAt   time.Time
	NextAttemptAt   time.Time
	LastError       string
}

// ID returns the idempotency key of the entry
func (e Entry) ID() string { return e.Change.ID }

// Checkpoint is the intake position for a source database
type Checkpoint struct {
	Source             string
	Generation         string
	LastSeenSequenceID int64
	UpdatedAt          time.Time
}

// Stats summarizes the buffer contents
type Stats struct {
	Pending          int64
	InFlight         int64
	Delivered        int64
	DeadLettered     int64
	OldestPendingAge time.Duration
	FileSize         int64
}

// Total returns the number of entries in every state
func (s Stats) Total() int64 {
	return s.Pending + s.InFlight + s.Delivered + s.DeadLettered
}
