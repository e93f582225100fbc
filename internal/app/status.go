package app

import (
	"context"
	"fmt"
	"time"

	"github.com/katasec/dstream-probe/internal/buffer"
	"github.com/katasec/dstream-probe/internal/cloud"
)

// Status is a point-in-time summary of a running probe
type Status struct {
	State        State
	Source       string
	Intake       string
	Checkpoint   buffer.Checkpoint
	LastPoll     time.Time
	LastSync     time.Time
	Breaker      string
	Reachable    bool
	Batch        cloud.BatchSizerMetrics
	Buffer       buffer.Stats
	RecentErrors []string
}

// Pending is the number of changes waiting for delivery
func (s Status) Pending() int64 {
	return s.Buffer.Pending + s.Buffer.InFlight
}

// Status returns the current snapshot. Buffer stats are omitted while the
// buffer is closed.
func (p *Probe) Status(ctx context.Context) (Status, error) {
	p.mu.RLock()
	st := Status{
		State:        p.state,
		Source:       p.source,
		RecentErrors: append([]string(nil), p.errs...),
	}
	intake, syncClient, buf := p.intake, p.sync, p.buf
	p.mu.RUnlock()

	if intake != nil {
		st.Intake = intake.State().String()
		st.Checkpoint = intake.Checkpoint()
		st.LastPoll = intake.LastPoll()
		if err := intake.LastError(); err != nil {
			st.RecentErrors = append(st.RecentErrors, "intake: "+err.Error())
		}
	}
	if syncClient != nil {
		cs := syncClient.Status()
		st.LastSync = cs.LastSync
		st.Breaker = cs.Breaker
		st.Reachable = cs.Reachable
		st.Batch = syncClient.BatchMetrics()
		if cs.LastError != "" {
			st.RecentErrors = append(st.RecentErrors, "sync: "+cs.LastError)
		}
	}

	if st.State == StateRunning && buf != nil {
		stats, err := buf.Stats(ctx)
		if err != nil {
			return st, fmt.Errorf("failed to read buffer stats: %w", err)
		}
		st.Buffer = stats
	}
	return st, nil
}
