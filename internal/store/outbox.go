package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// SubjectPrefix is the first token of every change event subject.
const SubjectPrefix = "mail"

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID      int64  `db:"id"`
	Subject string `db:"subject"`
	Payload []byte `db:"payload"`
	MsgID   string `db:"msg_id"`
	Retries int    `db:"retries"`
}

// ChangeSubject is the subject a change is published on:
// mail.<account id>.<kind>.
func ChangeSubject(c mailsync.Change) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, c.AccountID, c.Kind)
}

// ChangeMsgID is the de-duplication id of a change.
func ChangeMsgID(c mailsync.Change) string {
	return fmt.Sprintf("%s|%s|%s|%d", c.AccountID, c.ProviderID, c.Kind, c.At.UnixNano())
}

// AppendChanges writes change events to the outbox.
func (s *Store) AppendChanges(ctx context.Context, changes []mailsync.Change) error {
	now := s.now()
	for _, c := range changes {
		if c.At.IsZero() {
			c.At = now
		}
		payload, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshaling change: %w", err)
		}
		_, err = s.q.ExecContext(ctx, `
			INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, now.UnixNano(), ChangeSubject(c), string(c.Kind), payload, ChangeMsgID(c), now.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to insert outbox entry: %w", err)
		}
	}
	return nil
}

// DequeueOutbox fetches unpublished messages that are due for an attempt.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var messages []OutboxMessage
	err := sqlx.SelectContext(ctx, s.q, &messages, `
		SELECT id, subject, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, s.now().UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	return messages, nil
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.q.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, s.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, s.now().Add(backoff).UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

// PrunePublished deletes published messages older than before.
func (s *Store) PrunePublished(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM outbox WHERE published_at IS NOT NULL AND published_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning outbox: %w", err)
	}
	return res.RowsAffected()
}
