package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Message is one claimed outbox row.
type Message struct {
	ID        string
	Topic     string
	Key       string
	Payload   json.RawMessage
	Attempts  int
	CreatedAt time.Time
}

// DB is the subset of pgxpool.Pool the store needs outside a transaction.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store persists outbox rows. Enqueue runs inside the caller's transaction so
// messages commit or roll back with the state change that produced them.
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) Enqueue(ctx context.Context, tx pgx.Tx, topic, key string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	const q = `
INSERT INTO outbox (id, topic, key, payload)
VALUES ($1, $2, $3, $4::jsonb)
`
	if _, err := tx.Exec(ctx, q, uuid.NewString(), topic, key, body); err != nil {
		return fmt.Errorf("outbox: insert: %w", err)
	}
	return nil
}

// ClaimPending moves up to limit due rows to processing and returns them.
// Concurrent relays never claim the same row.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
WITH cte AS (
  SELECT id
  FROM outbox
  WHERE status = 'pending'
    AND next_retry_at <= now()
  ORDER BY created_at
  LIMIT $1
  FOR UPDATE SKIP LOCKED
)
UPDATE outbox o
SET status = 'processing',
    processing_started_at = now(),
    attempts = o.attempts + 1,
    updated_at = now()
FROM cte
WHERE o.id = cte.id
RETURNING o.id::text, o.topic, o.key, o.payload, o.attempts, o.created_at
`
	rows, err := s.db.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Key, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return out, nil
}

func (s *Store) MarkSent(ctx context.Context, id string) error {
	const q = `
UPDATE outbox
SET status = 'sent',
    sent_at = now(),
    processing_started_at = NULL,
    last_error = NULL,
    updated_at = now()
WHERE id = $1
`
	if _, err := s.db.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("outbox: mark sent: %w", err)
	}
	return nil
}

// MarkFailed returns the row to pending with a retry time, or parks it as
// dead when dead is true.
func (s *Store) MarkFailed(ctx context.Context, id string, nextRetryAt time.Time, errMsg string, dead bool) error {
	status := "pending"
	if dead {
		status = "dead"
	}
	const q = `
UPDATE outbox
SET status = $2,
    processing_started_at = NULL,
    next_retry_at = $3,
    last_error = $4,
    updated_at = now()
WHERE id = $1
`
	if _, err := s.db.Exec(ctx, q, id, status, nextRetryAt, errMsg); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}

// RequeueStuck releases rows a crashed relay left in processing.
func (s *Store) RequeueStuck(ctx context.Context, timeout time.Duration) (int64, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	const q = `
UPDATE outbox
SET status = 'pending',
    processing_started_at = NULL,
    last_error = 'processing timeout',
    updated_at = now()
WHERE status = 'processing'
  AND processing_started_at < $1
`
	tag, err := s.db.Exec(ctx, q, time.Now().UTC().Add(-timeout))
	if err != nil {
		return 0, fmt.Errorf("outbox: requeue: %w", err)
	}
	return tag.RowsAffected(), nil
}
