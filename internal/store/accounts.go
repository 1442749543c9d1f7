package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

type accountRow struct {
	ID            string        `db:"id"`
	UserID        string        `db:"user_id"`
	Provider      string        `db:"provider"`
	Email         string        `db:"email"`
	DisplayName   string        `db:"display_name"`
	CredentialRef string        `db:"credential_ref"`
	Status        string        `db:"status"`
	State         string        `db:"state"`
	Attempts      int           `db:"attempts"`
	LastError     string        `db:"last_error"`
	LastSync      sql.NullInt64 `db:"last_sync"`
	NextSync      sql.NullInt64 `db:"next_sync"`
	CreatedAt     int64         `db:"created_at"`
}

func (r accountRow) account() mailsync.Account {
	return mailsync.Account{
		ID:            r.ID,
		UserID:        r.UserID,
		Provider:      mailsync.ProviderKind(r.Provider),
		Email:         r.Email,
		DisplayName:   r.DisplayName,
		CredentialRef: r.CredentialRef,
		Status:        mailsync.AccountStatus(r.Status),
		State:         mailsync.JobState(r.State),
		Attempts:      r.Attempts,
		LastError:     r.LastError,
		LastSync:      fromNanos(r.LastSync),
		NextSync:      fromNanos(r.NextSync),
		CreatedAt:     time.Unix(0, r.CreatedAt).UTC(),
	}
}

const accountColumns = `id, user_id, provider, email, display_name, credential_ref,
	status, state, attempts, last_error, last_sync, next_sync, created_at`

// CreateAccount inserts a new account.
func (s *Store) CreateAccount(ctx context.Context, a mailsync.Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	if a.State == "" {
		a.State = mailsync.StateIdle
	}
	if a.Status == "" {
		a.Status = mailsync.StatusFor(a.State)
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, string(a.Provider), a.Email, a.DisplayName, a.CredentialRef,
		string(a.Status), string(a.State), a.Attempts, a.LastError,
		nanos(a.LastSync), nanos(a.NextSync), a.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("inserting account %s: %w", a.ID, err)
	}
	return nil
}

// GetAccount loads one account.
func (s *Store) GetAccount(ctx context.Context, id string) (*mailsync.Account, error) {
	var row accountRow
	err := sqlx.GetContext(ctx, s.q, &row, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err, "account "+id)
	}
	a := row.account()
	return &a, nil
}

// ListAccounts lists the accounts of userID, or all accounts when userID
// is empty.
func (s *Store) ListAccounts(ctx context.Context, userID string) ([]mailsync.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	args := []interface{}{}
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY created_at, id"

	var rows []accountRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	out := make([]mailsync.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.account())
	}
	return out, nil
}

// DeleteAccount removes an account; folders, messages, bodies,
// attachments and cursors cascade.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting account %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateSyncState persists the state machine output for an account.
func (s *Store) UpdateSyncState(ctx context.Context, u mailsync.SyncUpdate) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE accounts
		SET state = ?,
		    status = ?,
		    attempts = ?,
		    last_error = ?,
		    last_sync = ?,
		    next_sync = ?
		WHERE id = ?
	`, string(u.State), string(u.Status), u.Attempts, u.LastError,
		nanos(u.LastSync), nanos(u.NextSync), u.AccountID)
	if err != nil {
		return fmt.Errorf("updating sync state of %s: %w", u.AccountID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", u.AccountID, ErrNotFound)
	}
	return nil
}

// ListDueAccounts returns accounts with next_sync <= now, oldest first.
// Accounts without a scheduled next sync are never due.
func (s *Store) ListDueAccounts(ctx context.Context, now time.Time, limit int) ([]mailsync.Account, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []accountRow
	err := sqlx.SelectContext(ctx, s.q, &rows, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE next_sync IS NOT NULL AND next_sync <= ?
		ORDER BY next_sync, id
		LIMIT ?
	`, now.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("listing due accounts: %w", err)
	}
	out := make([]mailsync.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.account())
	}
	return out, nil
}
