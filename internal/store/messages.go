package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// UpsertFolder inserts or renames a folder.
func (s *Store) UpsertFolder(ctx context.Context, f mailsync.Folder) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO folders (account_id, provider_id, name, type)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, provider_id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type
	`, f.AccountID, f.ProviderID, f.Name, string(f.Type))
	if err != nil {
		return fmt.Errorf("upserting folder %s: %w", f.ProviderID, err)
	}
	return nil
}

// ListFolders lists the folders of an account.
func (s *Store) ListFolders(ctx context.Context, accountID string) ([]mailsync.Folder, error) {
	var folders []mailsync.Folder
	err := sqlx.SelectContext(ctx, s.q, &folders, `
		SELECT account_id, provider_id, name, type
		FROM folders
		WHERE account_id = ?
		ORDER BY provider_id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	return folders, nil
}

type messageRow struct {
	AccountID      string        `db:"account_id"`
	ProviderID     string        `db:"provider_id"`
	ThreadID       string        `db:"thread_id"`
	FolderID       string        `db:"folder_id"`
	Subject        string        `db:"subject"`
	From           string        `db:"from_addr"`
	To             string        `db:"to_addrs"`
	Cc             string        `db:"cc_addrs"`
	Date           sql.NullInt64 `db:"date"`
	Snippet        string        `db:"snippet"`
	IsRead         bool          `db:"is_read"`
	HasAttachments bool          `db:"has_attachments"`
	Size           int64         `db:"size"`
}

func (r messageRow) message() (mailsync.Message, error) {
	m := mailsync.Message{
		AccountID:      r.AccountID,
		ProviderID:     r.ProviderID,
		ThreadID:       r.ThreadID,
		FolderID:       r.FolderID,
		Subject:        r.Subject,
		From:           r.From,
		Date:           fromNanos(r.Date),
		Snippet:        r.Snippet,
		IsRead:         r.IsRead,
		HasAttachments: r.HasAttachments,
		Size:           r.Size,
	}
	if err := json.Unmarshal([]byte(r.To), &m.To); err != nil {
		return m, fmt.Errorf("unmarshaling to_addrs for %s: %w", r.ProviderID, err)
	}
	if err := json.Unmarshal([]byte(r.Cc), &m.Cc); err != nil {
		return m, fmt.Errorf("unmarshaling cc_addrs for %s: %w", r.ProviderID, err)
	}
	return m, nil
}

const messageColumns = `account_id, provider_id, thread_id, folder_id, subject, from_addr,
	to_addrs, cc_addrs, date, snippet, is_read, has_attachments, size`

// GetMessage loads one message envelope.
func (s *Store) GetMessage(ctx context.Context, accountID, providerID string) (*mailsync.Message, error) {
	var row messageRow
	err := sqlx.GetContext(ctx, s.q, &row,
		`SELECT `+messageColumns+` FROM messages WHERE account_id = ? AND provider_id = ?`,
		accountID, providerID)
	if err != nil {
		return nil, notFound(err, "message "+providerID)
	}
	m, err := row.message()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertMessage inserts or replaces an envelope keyed by
// (account_id, provider_id).
func (s *Store) UpsertMessage(ctx context.Context, m mailsync.Message) error {
	to, err := json.Marshal(nonNil(m.To))
	if err != nil {
		return fmt.Errorf("marshaling to_addrs: %w", err)
	}
	cc, err := json.Marshal(nonNil(m.Cc))
	if err != nil {
		return fmt.Errorf("marshaling cc_addrs: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, provider_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			folder_id = excluded.folder_id,
			subject = excluded.subject,
			from_addr = excluded.from_addr,
			to_addrs = excluded.to_addrs,
			cc_addrs = excluded.cc_addrs,
			date = excluded.date,
			snippet = excluded.snippet,
			is_read = excluded.is_read,
			has_attachments = excluded.has_attachments,
			size = excluded.size
	`, m.AccountID, m.ProviderID, m.ThreadID, m.FolderID, m.Subject, m.From,
		string(to), string(cc), nanos(m.Date), m.Snippet, m.IsRead, m.HasAttachments, m.Size)
	if err != nil {
		return fmt.Errorf("upserting message %s: %w", m.ProviderID, err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// DeleteMessage removes a message with its body and attachments.
func (s *Store) DeleteMessage(ctx context.Context, accountID, providerID string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM messages WHERE account_id = ? AND provider_id = ?`, accountID, providerID)
	if err != nil {
		return fmt.Errorf("deleting message %s: %w", providerID, err)
	}
	return nil
}

// ListFolderMessageIDs lists the provider ids stored in a folder.
func (s *Store) ListFolderMessageIDs(ctx context.Context, accountID, folderID string) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, s.q, &ids, `
		SELECT provider_id FROM messages
		WHERE account_id = ? AND folder_id = ?
		ORDER BY provider_id
	`, accountID, folderID)
	if err != nil {
		return nil, fmt.Errorf("listing folder message ids: %w", err)
	}
	return ids, nil
}

// ListMessages lists envelopes newest first.
func (s *Store) ListMessages(ctx context.Context, f mailsync.MessageFilter) ([]mailsync.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE account_id = ?`
	args := []interface{}{f.AccountID}
	if f.FolderID != "" {
		query += " AND folder_id = ?"
		args = append(args, f.FolderID)
	}
	if f.Search != "" {
		pattern := "%" + likeEscaper.Replace(f.Search) + "%"
		query += ` AND (subject LIKE ? ESCAPE '\' OR from_addr LIKE ? ESCAPE '\' OR snippet LIKE ? ESCAPE '\')`
		args = append(args, pattern, pattern, pattern)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY date DESC, provider_id LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	var rows []messageRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	out := make([]mailsync.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.message()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

type attachmentRow struct {
	ID       string `db:"attachment_id"`
	Filename string `db:"filename"`
	MIMEType string `db:"mime_type"`
	Size     int64  `db:"size"`
}

// GetMessageBody loads a stored body with the envelope and attachments.
func (s *Store) GetMessageBody(ctx context.Context, accountID, providerID string) (*mailsync.MessageDetail, error) {
	m, err := s.GetMessage(ctx, accountID, providerID)
	if err != nil {
		return nil, err
	}

	var body struct {
		Text string `db:"text_body"`
		HTML string `db:"html_body"`
	}
	err = sqlx.GetContext(ctx, s.q, &body, `
		SELECT text_body, html_body FROM message_bodies
		WHERE account_id = ? AND provider_id = ?
	`, accountID, providerID)
	if err != nil {
		return nil, notFound(err, "body of "+providerID)
	}

	var atts []attachmentRow
	err = sqlx.SelectContext(ctx, s.q, &atts, `
		SELECT attachment_id, filename, mime_type, size FROM attachments
		WHERE account_id = ? AND provider_id = ?
		ORDER BY attachment_id
	`, accountID, providerID)
	if err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}

	d := &mailsync.MessageDetail{
		Message:     *m,
		TextBody:    body.Text,
		HTMLBody:    body.HTML,
		Attachments: make([]mailsync.Attachment, 0, len(atts)),
	}
	for _, a := range atts {
		d.Attachments = append(d.Attachments, mailsync.Attachment{
			ID: a.ID, Filename: a.Filename, MIMEType: a.MIMEType, Size: a.Size,
		})
	}
	return d, nil
}

// SaveMessageBody stores the body and attachment list of a message whose
// envelope is already stored.
func (s *Store) SaveMessageBody(ctx context.Context, d mailsync.MessageDetail) error {
	return s.WithinTx(ctx, func(tx mailsync.Repository) error {
		q := tx.(*Store).q
		_, err := q.ExecContext(ctx, `
			INSERT INTO message_bodies (account_id, provider_id, text_body, html_body, fetched_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(account_id, provider_id) DO UPDATE SET
				text_body = excluded.text_body,
				html_body = excluded.html_body,
				fetched_at = excluded.fetched_at
		`, d.AccountID, d.ProviderID, d.TextBody, d.HTMLBody, s.now().UnixNano())
		if err != nil {
			return fmt.Errorf("saving body of %s: %w", d.ProviderID, err)
		}
		if _, err := q.ExecContext(ctx,
			`DELETE FROM attachments WHERE account_id = ? AND provider_id = ?`,
			d.AccountID, d.ProviderID); err != nil {
			return fmt.Errorf("clearing attachments of %s: %w", d.ProviderID, err)
		}
		for _, a := range d.Attachments {
			_, err := q.ExecContext(ctx, `
				INSERT INTO attachments (account_id, provider_id, attachment_id, filename, mime_type, size)
				VALUES (?, ?, ?, ?, ?, ?)
			`, d.AccountID, d.ProviderID, a.ID, a.Filename, a.MIMEType, a.Size)
			if err != nil {
				return fmt.Errorf("saving attachment %s: %w", a.ID, err)
			}
		}
		return nil
	})
}
