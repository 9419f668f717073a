package guestsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Queue is the durable FIFO log of mutations the server has not confirmed.
// Entries are replayed in Seq order and never reordered or merged.
type Queue struct {
	db  *sql.DB
	now func() time.Time
}

// Queue returns the pending-action log backed by s.
func (s *Store) Queue() *Queue {
	return &Queue{db: s.db, now: time.Now}
}

// Enqueue appends an action and returns once it is durably written.
func (q *Queue) Enqueue(ctx context.Context, kind ActionKind, payload any) (*PendingAction, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("enqueue: unknown action kind %q", string(kind))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: encode payload: %w", kind, err)
	}
	created := q.now().UTC()

	res, err := q.db.ExecContext(ctx,
		"INSERT INTO pending_actions (kind, payload, created_at) VALUES (?, ?, ?)",
		string(kind), string(raw), created.UnixMilli())
	if err != nil {
		return nil, storageErr("enqueue", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, storageErr("enqueue", err)
	}
	return &PendingAction{
		Seq:       seq,
		Kind:      kind,
		Payload:   raw,
		CreatedAt: time.UnixMilli(created.UnixMilli()).UTC(),
	}, nil
}

// ListPending returns every queued action, oldest first.
func (q *Queue) ListPending(ctx context.Context) ([]PendingAction, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT seq, kind, payload, created_at, attempts, last_error FROM pending_actions ORDER BY seq ASC")
	if err != nil {
		return nil, storageErr("list pending", err)
	}
	defer rows.Close()

	out := []PendingAction{}
	for rows.Next() {
		var (
			a       PendingAction
			kind    string
			payload string
			created int64
		)
		if err := rows.Scan(&a.Seq, &kind, &payload, &created, &a.Attempts, &a.LastError); err != nil {
			return nil, storageErr("list pending", err)
		}
		a.Kind = ActionKind(kind)
		a.Payload = json.RawMessage(payload)
		a.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list pending", err)
	}
	return out, nil
}

// Dequeue removes the entry with seq. Dequeuing an absent entry is a no-op.
func (q *Queue) Dequeue(ctx context.Context, seq int64) error {
	if _, err := q.db.ExecContext(ctx, "DELETE FROM pending_actions WHERE seq = ?", seq); err != nil {
		return storageErr("dequeue", err)
	}
	return nil
}

// MarkFailed records a failed replay attempt without moving the entry.
func (q *Queue) MarkFailed(ctx context.Context, seq int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := q.db.ExecContext(ctx,
		"UPDATE pending_actions SET attempts = attempts + 1, last_error = ? WHERE seq = ?", msg, seq)
	if err != nil {
		return storageErr("mark failed", err)
	}
	return nil
}

// Len returns the number of queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_actions").Scan(&n); err != nil {
		return 0, storageErr("queue length", err)
	}
	return n, nil
}

// DeadLetter moves an entry out of the queue into dead_letters in one
// transaction.
func (q *Queue) DeadLetter(ctx context.Context, a PendingAction, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("dead letter", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO dead_letters (seq, kind, payload, created_at, attempts, last_error, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Seq, string(a.Kind), string(a.Payload), a.CreatedAt.UnixMilli(), a.Attempts+1, msg, q.now().UnixMilli())
	if err != nil {
		return storageErr("dead letter", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_actions WHERE seq = ?", a.Seq); err != nil {
		return storageErr("dead letter", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("dead letter", err)
	}
	return nil
}

// DeadLetters lists parked entries, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]PendingAction, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT seq, kind, payload, created_at, attempts, last_error FROM dead_letters ORDER BY seq ASC")
	if err != nil {
		return nil, storageErr("dead letters", err)
	}
	defer rows.Close()

	out := []PendingAction{}
	for rows.Next() {
		var (
			a       PendingAction
			kind    string
			payload string
			created int64
		)
		if err := rows.Scan(&a.Seq, &kind, &payload, &created, &a.Attempts, &a.LastError); err != nil {
			return nil, storageErr("dead letters", err)
		}
		a.Kind = ActionKind(kind)
		a.Payload = json.RawMessage(payload)
		a.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("dead letters", err)
	}
	return out, nil
}
