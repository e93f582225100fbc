package buffer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// LoadCheckpoint retrieves the intake position for source. When none exists a
// new one is created with a fresh generation and position 0.
func (b *Buffer) LoadCheckpoint(ctx context.Context, source string) (Checkpoint, error) {
	cp := Checkpoint{Source: source}
	var updated sql.NullInt64
	err := b.db.QueryRowContext(ctx, `SELECT generation, last_seen_sequence_id, updated_at
		FROM intake_checkpoints WHERE source = ?`, source).Scan(&cp.Generation, &cp.LastSeenSequenceID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		if b.readOnly {
			return cp, nil
		}
		b.logger.Info("No previous checkpoint, initializing", "source", source)
		return b.ResetCheckpoint(ctx, source)
	}
	if err != nil {
		return cp, fmt.Errorf("failed to load checkpoint for %s: %w", source, err)
	}
	cp.UpdatedAt = fromUnix(updated)
	b.logger.Info("Resuming from checkpoint", "source", source, "generation", cp.Generation, "lastSeen", cp.LastSeenSequenceID)
	return cp, nil
}

// SaveCheckpoint persists cp. Within a generation the position never moves back.
func (b *Buffer) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if err := b.writable(); err != nil {
		return err
	}
	if cp.Generation == "" {
		return errors.New("checkpoint has no generation")
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO intake_checkpoints (source, generation, last_seen_sequence_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			generation = excluded.generation,
			last_seen_sequence_id = excluded.last_seen_sequence_id,
			updated_at = excluded.updated_at
		WHERE intake_checkpoints.generation <> excluded.generation
			OR intake_checkpoints.last_seen_sequence_id <= excluded.last_seen_sequence_id`,
		cp.Source, cp.Generation, cp.LastSeenSequenceID, toUnix(b.now()))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", cp.Source, err)
	}
	b.logger.Debug("Saved checkpoint", "source", cp.Source, "lastSeen", cp.LastSeenSequenceID)
	return nil
}

// ResetCheckpoint starts a new generation at position 0. Change ids embed the
// generation, so a restarted change-log sequence never collides with ids
// already delivered.
func (b *Buffer) ResetCheckpoint(ctx context.Context, source string) (Checkpoint, error) {
	if err := b.writable(); err != nil {
		return Checkpoint{}, err
	}
	gen, err := uuid.NewV7()
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to create generation: %w", err)
	}
	cp := Checkpoint{Source: source, Generation: gen.String(), UpdatedAt: b.now().UTC()}
	if err := b.SaveCheckpoint(ctx, cp); err != nil {
		return Checkpoint{}, err
	}
	b.logger.Info("Reset checkpoint", "source", source, "generation", cp.Generation)
	return cp, nil
}

// Checkpoints lists every stored checkpoint
func (b *Buffer) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT source, generation, last_seen_sequence_id, updated_at
		FROM intake_checkpoints ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()
	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var updated sql.NullInt64
		if err := rows.Scan(&cp.Source, &cp.Generation, &cp.LastSeenSequenceID, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.UpdatedAt = fromUnix(updated)
		out = append(out, cp)
	}
	return out, rows.Err()
}
