package buffer

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/katasec/dstream-probe/pkg/cdc"
)

const entryColumns = `id, kind, payload, status, attempt_count, first_enqueued_at, last_attempt_at, next_attempt_at, last_error`

// Enqueue persists a change as pending. It is idempotent by change id: an
// existing pending, in-flight or delivered entry is returned unchanged, and a
// dead-lettered one is revived with a fresh attempt count.
func (b *Buffer) Enqueue(ctx context.Context, change cdc.Change) (Entry, error) {
	if err := b.writable(); err != nil {
		return Entry{}, err
	}
	if change.ID == "" {
		return Entry{}, errors.New("change has no id")
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to encode change %s: %w", change.ID, err)
	}

	now := toUnix(b.now())
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO buffer_entries (id, kind, table_name, operation, sequence_id, payload, status,
			attempt_count, first_enqueued_at, next_attempt_at, status_changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			payload = excluded.payload,
			status = excluded.status,
			attempt_count = 0,
			last_attempt_at = NULL,
			next_attempt_at = excluded.next_attempt_at,
			status_changed_at = excluded.status_changed_at,
			last_error = NULL
		WHERE buffer_entries.status = 'dead_lettered'`,
		change.ID, kindChange, change.Table, string(change.Operation), change.SequenceID, string(payload),
		string(StatusPending), now, now, now)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to enqueue change %s: %w", change.ID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		b.logger.Trace("Enqueued change", "id", change.ID, "table", change.Table, "seq", change.SequenceID)
	}
	return b.Get(ctx, change.ID)
}

// DeadLetter persists a change-log row that could not be decoded directly as
// dead-lettered. An existing entry with the same id is left untouched.
func (b *Buffer) DeadLetter(ctx context.Context, rec cdc.RawChangeRecord, id string, cause error) (Entry, error) {
	if err := b.writable(); err != nil {
		return Entry{}, err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to encode change-log row %d: %w", rec.SequenceID, err)
	}
	reason := "undecodable"
	if cause != nil {
		reason = cause.Error()
	}

	now := toUnix(b.now())
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO buffer_entries (id, kind, table_name, operation, sequence_id, payload, status,
			attempt_count, first_enqueued_at, next_attempt_at, status_changed_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, kindRaw, rec.TableName, string(rec.Operation), rec.SequenceID, string(payload),
		string(StatusDeadLettered), now, now, now, reason)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to dead-letter change-log row %d: %w", rec.SequenceID, err)
	}
	b.logger.Warn("Dead-lettered change-log row", "id", id, "table", rec.TableName, "seq", rec.SequenceID, "error", reason)
	return b.Get(ctx, id)
}

// NextBatch moves up to max pending entries that are due to in_flight and
// returns them in enqueue order.
func (b *Buffer) NextBatch(ctx context.Context, max int) ([]Entry, error) {
	if err := b.writable(); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch: %w", err)
	}
	defer tx.Rollback()

	now := toUnix(b.now())
	rows, err := tx.QueryContext(ctx, `SELECT `+entryColumns+` FROM buffer_entries
		WHERE status = ? AND next_attempt_at <= ? ORDER BY seq LIMIT ?`,
		string(StatusPending), now, max)
	if err != nil {
		return nil, fmt.Errorf("failed to select batch: %w", err)
	}
	candidates, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}

	batch := make([]Entry, 0, len(candidates))
	for _, e := range candidates {
		res, err := tx.ExecContext(ctx, `UPDATE buffer_entries
			SET status = ?, last_attempt_at = ?, status_changed_at = ?
			WHERE id = ? AND status = ?`,
			string(StatusInFlight), now, now, e.ID(), string(StatusPending))
		if err != nil {
			return nil, fmt.Errorf("failed to claim %s: %w", e.ID(), err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			e.Status = StatusInFlight
			e.LastAttemptAt = time.Unix(0, now).UTC()
			batch = append(batch, e)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}
	return batch, nil
}

// MarkDelivered moves an in-flight entry to delivered
func (b *Buffer) MarkDelivered(ctx context.Context, id string) error {
	if err := b.writable(); err != nil {
		return err
	}
	now := toUnix(b.now())
	res, err := b.db.ExecContext(ctx, `UPDATE buffer_entries
		SET status = ?, status_changed_at = ?, last_error = NULL
		WHERE id = ? AND status = ?`,
		string(StatusDelivered), now, id, string(StatusInFlight))
	if err != nil {
		return fmt.Errorf("failed to mark %s delivered: %w", id, err)
	}
	return b.expectOne(ctx, res, id)
}

// MarkFailed records a failed attempt of an in-flight entry. The entry returns
// to pending with a backoff delay, or is dead-lettered once it reaches the
// attempt limit. The resulting status is returned.
func (b *Buffer) MarkFailed(ctx context.Context, id string, cause error) (Status, error) {
	if err := b.writable(); err != nil {
		return "", err
	}
	reason := "delivery failed"
	if cause != nil {
		reason = cause.Error()
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin update: %w", err)
	}
	defer tx.Rollback()

	var status string
	var attempts int
	err = tx.QueryRowContext(ctx, `SELECT status, attempt_count FROM buffer_entries WHERE id = ?`, id).Scan(&status, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", id, err)
	}
	if Status(status) != StatusInFlight {
		return "", fmt.Errorf("%s is %s: %w", id, status, ErrInvalidTransition)
	}

	attempts++
	now := b.now()
	next := now.Add(b.retry.Delay(attempts))
	result := StatusPending
	if attempts >= b.maxAttempts {
		result = StatusDeadLettered
		next = now
	}

	_, err = tx.ExecContext(ctx, `UPDATE buffer_entries
		SET status = ?, attempt_count = ?, next_attempt_at = ?, status_changed_at = ?, last_error = ?
		WHERE id = ? AND status = ?`,
		string(result), attempts, toUnix(next), toUnix(now), reason, id, string(StatusInFlight))
	if err != nil {
		return "", fmt.Errorf("failed to mark %s failed: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit %s: %w", id, err)
	}

	if result == StatusDeadLettered {
		b.logger.Warn("Dead-lettered change", "id", id, "attempts", attempts, "error", reason)
	} else {
		b.logger.Debug("Scheduled retry", "id", id, "attempts", attempts, "nextAttempt", next.Format(time.RFC3339))
	}
	return result, nil
}

// Release returns in-flight entries to pending without consuming an attempt
func (b *Buffer) Release(ctx context.Context, ids []string) (int64, error) {
	if err := b.writable(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, string(StatusPending), toUnix(b.now()))
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, string(StatusInFlight))

	res, err := b.db.ExecContext(ctx, `UPDATE buffer_entries SET status = ?, status_changed_at = ?
		WHERE id IN (`+placeholders(len(ids))+`) AND status = ?`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to release entries: %w", err)
	}
	return res.RowsAffected()
}

// RecoverInFlight returns every in-flight entry to pending. It runs on Open to
// undo claims left by a crash.
func (b *Buffer) RecoverInFlight(ctx context.Context) (int64, error) {
	if err := b.writable(); err != nil {
		return 0, err
	}
	res, err := b.db.ExecContext(ctx, `UPDATE buffer_entries SET status = ?, status_changed_at = ? WHERE status = ?`,
		string(StatusPending), toUnix(b.now()), string(StatusInFlight))
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight entries: %w", err)
	}
	return res.RowsAffected()
}

// Purge deletes delivered and dead-lettered entries older than their retention
func (b *Buffer) Purge(ctx context.Context, now time.Time) (int64, error) {
	if err := b.writable(); err != nil {
		return 0, err
	}
	var total int64
	for status, retention := range map[Status]time.Duration{
		StatusDelivered:    b.deliveredRetention,
		StatusDeadLettered: b.deadLetterRetention,
	} {
		if retention <= 0 {
			continue
		}
		res, err := b.db.ExecContext(ctx, `DELETE FROM buffer_entries WHERE status = ? AND status_changed_at < ?`,
			string(status), toUnix(now.Add(-retention)))
		if err != nil {
			return total, fmt.Errorf("failed to purge %s entries: %w", status, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		b.logger.Info("Purged buffer entries", "count", total)
	}
	return total, nil
}

// Stats counts entries per status and reports the buffer file size
func (b *Buffer) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	rows, err := b.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM buffer_entries GROUP BY status`)
	if err != nil {
		return s, fmt.Errorf("failed to count entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return s, fmt.Errorf("failed to count entries: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			s.Pending = n
		case StatusInFlight:
			s.InFlight = n
		case StatusDelivered:
			s.Delivered = n
		case StatusDeadLettered:
			s.DeadLettered = n
		}
	}
	if err := rows.Err(); err != nil {
		return s, err
	}

	var oldest sql.NullInt64
	err = b.db.QueryRowContext(ctx, `SELECT MIN(first_enqueued_at) FROM buffer_entries WHERE status IN (?, ?)`,
		string(StatusPending), string(StatusInFlight)).Scan(&oldest)
	if err != nil {
		return s, fmt.Errorf("failed to read oldest entry: %w", err)
	}
	if t := fromUnix(oldest); !t.IsZero() {
		s.OldestPendingAge = b.now().Sub(t)
	}

	for _, suffix := range []string{"", "-wal"} {
		if fi, err := os.Stat(b.path + suffix); err == nil {
			s.FileSize += fi.Size()
		}
	}
	return s, nil
}

// Get returns the entry with the given id
func (b *Buffer) Get(ctx context.Context, id string) (Entry, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM buffer_entries WHERE id = ?`, id)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to read %s: %w", id, err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return entries[0], nil
}

// DeadLetters lists dead-lettered entries in enqueue order; limit <= 0 means all
func (b *Buffer) DeadLetters(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := b.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM buffer_entries
		WHERE status = ? ORDER BY seq LIMIT ?`, string(StatusDeadLettered), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return scanEntries(rows)
}

// Requeue returns a dead-lettered change to pending with a fresh attempt count
func (b *Buffer) Requeue(ctx context.Context, id string) error {
	if err := b.writable(); err != nil {
		return err
	}
	e, err := b.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Status != StatusDeadLettered {
		return fmt.Errorf("%s is %s: %w", id, e.Status, ErrInvalidTransition)
	}
	if e.Raw != nil {
		return fmt.Errorf("%s: %w", id, ErrUndecoded)
	}

	now := toUnix(b.now())
	res, err := b.db.ExecContext(ctx, `UPDATE buffer_entries
		SET status = ?, attempt_count = 0, next_attempt_at = ?, status_changed_at = ?, last_error = NULL
		WHERE id = ? AND status = ?`,
		string(StatusPending), now, now, id, string(StatusDeadLettered))
	if err != nil {
		return fmt.Errorf("failed to requeue %s: %w", id, err)
	}
	if err := b.expectOne(ctx, res, id); err != nil {
		return err
	}
	b.logger.Info("Requeued dead letter", "id", id)
	return nil
}

// expectOne turns a zero-row CAS update into ErrNotFound or ErrInvalidTransition
func (b *Buffer) expectOne(ctx context.Context, res sql.Result, id string) error {
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}
	e, err := b.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s is %s: %w", id, e.Status, ErrInvalidTransition)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			id, kind, payload, status string
			attempts                  int
			first, last, next         sql.NullInt64
			lastErr                   sql.NullString
		)
		if err := rows.Scan(&id, &kind, &payload, &status, &attempts, &first, &last, &next, &lastErr); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e := Entry{
			Status:          Status(status),
			AttemptCount:    attempts,
			FirstEnqueuedAt: fromUnix(first),
			LastAttemptAt:   fromUnix(last),
			NextAttemptAt:   fromUnix(next),
			LastError:       lastErr.String,
		}
		if err := decodePayload(kind, payload, &e); err != nil {
			return nil, fmt.Errorf("entry %s: %w", id, err)
		}
		e.Change.ID = id
		out = append(out, e)
	}
	return out, rows.Err()
}

// decodePayload restores the stored change. Numbers stay json.Number so the
// change re-encodes byte for byte.
func decodePayload(kind, payload string, e *Entry) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()
	if kind == kindRaw {
		var rec cdc.RawChangeRecord
		if err := dec.Decode(&rec); err != nil {
			return err
		}
		e.Raw = &rec
		e.Change = cdc.Change{
			Table:      rec.TableName,
			Operation:  rec.Operation,
			SequenceID: rec.SequenceID,
			OccurredAt: rec.CapturedAt,
		}
		return nil
	}
	return dec.Decode(&e.Change)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
