package store

import (
	"context"
	"fmt"
	"time"

	"github.com/stellarlinkco/companion/internal/scenario"
)

// ClassifiedEvent is the sweep's output: one bucket of one instance's text.
type ClassifiedEvent struct {
	ID               string          `json:"id"`
	IdempotencyKey   string          `json:"idempotencyKey"`
	UserID           string          `json:"userId"`
	SourceInstanceID string          `json:"sourceInstanceId"`
	Bucket           scenario.Bucket `json:"bucket"`
	Text             string          `json:"text"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// CommitClassifiedEvent writes ev and marks the consumed ledger rows processed
// in one transaction. written is false when an event with the same
// idempotency key already existed; the rows are marked either way.
func (s *Store) CommitClassifiedEvent(ctx context.Context, ev ClassifiedEvent, seqs []int64, at time.Time) (written bool, err error) {
	if ev.ID == "" || ev.IdempotencyKey == "" {
		return false, fmt.Errorf("commit classified event: id and idempotency key are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, persistErr("begin tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.dialect.rebind(`INSERT INTO classified_events
		(id, idempotency_key, user_id, source_instance_id, bucket, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		ev.ID, ev.IdempotencyKey, ev.UserID, ev.SourceInstanceID, string(ev.Bucket), ev.Text, toNanos(ev.CreatedAt))
	if err != nil {
		return false, persistErr("insert classified event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("insert classified event", err)
	}

	if len(seqs) > 0 {
		args := make([]any, 0, len(seqs)+1)
		args = append(args, toNanos(at))
		for _, seq := range seqs {
			args = append(args, seq)
		}
		q := `UPDATE ledger_entries SET processed_at = ?
			WHERE processed_at IS NULL AND seq IN (` + placeholders(len(seqs)) + `)`
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(q), args...); err != nil {
			return false, persistErr("mark ledger processed", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, persistErr("commit classified event", err)
	}
	return n == 1, nil
}

// ClassifiedEvents lists events, newest first. An empty instanceID lists all.
func (s *Store) ClassifiedEvents(ctx context.Context, instanceID string, limit int) ([]ClassifiedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, idempotency_key, user_id, source_instance_id, bucket, text, created_at
		FROM classified_events`
	args := []any{}
	if instanceID != "" {
		q += ` WHERE source_instance_id = ?`
		args = append(args, instanceID)
	}
	q += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
	if err != nil {
		return nil, persistErr("list classified events", err)
	}
	defer rows.Close()

	var out []ClassifiedEvent
	for rows.Next() {
		var (
			ev        ClassifiedEvent
			bucket    string
			createdAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.IdempotencyKey, &ev.UserID, &ev.SourceInstanceID, &bucket, &ev.Text, &createdAt); err != nil {
			return nil, persistErr("scan classified event", err)
		}
		ev.Bucket = scenario.Bucket(bucket)
		ev.CreatedAt = fromNanos(createdAt)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate classified events", err)
	}
	return out, nil
}
