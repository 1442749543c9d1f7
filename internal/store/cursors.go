package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

type cursorRow struct {
	AccountID  string `db:"account_id"`
	FolderID   string `db:"folder_id"`
	Delta      string `db:"delta"`
	PageToken  string `db:"page_token"`
	Backfilled bool   `db:"backfilled"`
	UpdatedAt  int64  `db:"updated_at"`
}

func (r cursorRow) cursor() mailsync.Cursor {
	return mailsync.Cursor{
		AccountID:  r.AccountID,
		FolderID:   r.FolderID,
		Delta:      r.Delta,
		PageToken:  r.PageToken,
		Backfilled: r.Backfilled,
		UpdatedAt:  time.Unix(0, r.UpdatedAt).UTC(),
	}
}

// GetCursor loads the cursor of a folder, or a zero cursor if the folder
// was never pulled.
func (s *Store) GetCursor(ctx context.Context, accountID, folderID string) (*mailsync.Cursor, error) {
	var row cursorRow
	err := sqlx.GetContext(ctx, s.q, &row, `
		SELECT account_id, folder_id, delta, page_token, backfilled, updated_at
		FROM sync_cursors
		WHERE account_id = ? AND folder_id = ?
	`, accountID, folderID)
	if errors.Is(err, sql.ErrNoRows) {
		return &mailsync.Cursor{AccountID: accountID, FolderID: folderID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading cursor: %w", err)
	}
	c := row.cursor()
	return &c, nil
}

// SetCursor saves the cursor of a folder.
func (s *Store) SetCursor(ctx context.Context, c mailsync.Cursor) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = s.now()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sync_cursors (account_id, folder_id, delta, page_token, backfilled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, folder_id) DO UPDATE SET
			delta = excluded.delta,
			page_token = excluded.page_token,
			backfilled = excluded.backfilled,
			updated_at = excluded.updated_at
	`, c.AccountID, c.FolderID, c.Delta, c.PageToken, c.Backfilled, c.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("saving cursor: %w", err)
	}
	return nil
}

// ListCursors lists every folder cursor of an account.
func (s *Store) ListCursors(ctx context.Context, accountID string) ([]mailsync.Cursor, error) {
	var rows []cursorRow
	err := sqlx.SelectContext(ctx, s.q, &rows, `
		SELECT account_id, folder_id, delta, page_token, backfilled, updated_at
		FROM sync_cursors
		WHERE account_id = ?
		ORDER BY folder_id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing cursors: %w", err)
	}
	out := make([]mailsync.Cursor, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.cursor())
	}
	return out, nil
}

// ResetCursors drops every cursor of an account.
func (s *Store) ResetCursors(ctx context.Context, accountID string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM sync_cursors WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("resetting cursors: %w", err)
	}
	return nil
}
