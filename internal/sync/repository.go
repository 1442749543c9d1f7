package sync

import (
	"context"
	"time"
)

// AccountStatus is the user facing connection status of an account.
type AccountStatus string

const (
	StatusConnected AccountStatus = "connected"
	StatusBackfill  AccountStatus = "backfill"
	StatusStreaming AccountStatus = "streaming"
	StatusPolling   AccountStatus = "polling"
	StatusError     AccountStatus = "error"
)

// Account is one mailbox connection.
type Account struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	Provider      ProviderKind  `json:"provider"`
	Email         string        `json:"email"`
	DisplayName   string        `json:"display_name"`
	CredentialRef string        `json:"-"`
	Status        AccountStatus `json:"status"`
	State         JobState      `json:"state"`
	Attempts      int           `json:"attempts"`
	LastError     string        `json:"last_error,omitempty"`
	LastSync      time.Time     `json:"last_sync"`
	// NextSync is zero when no successor is scheduled.
	NextSync  time.Time `json:"next_sync"`
	CreatedAt time.Time `json:"created_at"`
}

// SyncUpdate is the state machine output persisted on an account.
type SyncUpdate struct {
	AccountID string
	State     JobState
	Status    AccountStatus
	Attempts  int
	LastError string
	LastSync  time.Time
	NextSync  time.Time
}

// Cursor records sync progress for one (account, folder).
type Cursor struct {
	AccountID string
	FolderID  string
	// Delta is the provider delta token; empty until the folder's first
	// full listing completes.
	Delta string
	// PageToken continues the pull in progress.
	PageToken  string
	Backfilled bool
	UpdatedAt  time.Time
}

// ChangeKind names a row level change emitted by the reconciler.
type ChangeKind string

const (
	ChangeMessageCreated ChangeKind = "message.created"
	ChangeMessageUpdated ChangeKind = "message.updated"
	ChangeMessageDeleted ChangeKind = "message.deleted"
	ChangeFolderUpserted ChangeKind = "folder.upserted"
)

// Change is one row level change to canonical storage.
type Change struct {
	AccountID  string     `json:"account_id"`
	Kind       ChangeKind `json:"kind"`
	ProviderID string     `json:"provider_id"`
	FolderID   string     `json:"folder_id,omitempty"`
	Fields     []string   `json:"fields,omitempty"`
	At         time.Time  `json:"at"`
}

// MessageFilter selects stored messages.
type MessageFilter struct {
	AccountID string
	FolderID  string
	// Search matches a substring of the subject, sender or snippet,
	// ignoring ASCII case.
	Search string
	Limit  int
	Offset int
}

// Repository is the persistence collaborator. It returns ErrNotFound
// (possibly wrapped) for absent accounts, messages and bodies.
type Repository interface {
	CreateAccount(ctx context.Context, acct Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context, userID string) ([]Account, error)
	// DeleteAccount removes the account with its folders, messages,
	// bodies and cursors.
	DeleteAccount(ctx context.Context, id string) error
	UpdateSyncState(ctx context.Context, u SyncUpdate) error
	// ListDueAccounts returns accounts with a scheduled NextSync <= now,
	// oldest NextSync first.
	ListDueAccounts(ctx context.Context, now time.Time, limit int) ([]Account, error)

	UpsertFolder(ctx context.Context, f Folder) error
	ListFolders(ctx context.Context, accountID string) ([]Folder, error)

	GetMessage(ctx context.Context, accountID, providerID string) (*Message, error)
	UpsertMessage(ctx context.Context, m Message) error
	DeleteMessage(ctx context.Context, accountID, providerID string) error
	ListFolderMessageIDs(ctx context.Context, accountID, folderID string) ([]string, error)
	ListMessages(ctx context.Context, f MessageFilter) ([]Message, error)

	GetMessageBody(ctx context.Context, accountID, providerID string) (*MessageDetail, error)
	SaveMessageBody(ctx context.Context, d MessageDetail) error

	// GetCursor returns a zero Cursor (not an error) when none is stored.
	GetCursor(ctx context.Context, accountID, folderID string) (*Cursor, error)
	SetCursor(ctx context.Context, c Cursor) error
	ListCursors(ctx context.Context, accountID string) ([]Cursor, error)
	ResetCursors(ctx context.Context, accountID string) error

	AppendChanges(ctx context.Context, changes []Change) error

	// WithinTx runs fn against a repository bound to one transaction.
	// Nothing fn wrote is kept when it returns an error.
	WithinTx(ctx context.Context, fn func(tx Repository) error) error
}

// Credential is the token-like value a provider adapter authenticates
// with. OAuth providers use the token fields, IMAP the login fields.
type Credential struct {
	Provider     ProviderKind `json:"provider"`
	AccessToken  string       `json:"access_token,omitempty"`
	RefreshToken string       `json:"refresh_token,omitempty"`
	TokenType    string       `json:"token_type,omitempty"`
	Expiry       time.Time    `json:"expiry,omitempty"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	IMAPHost string `json:"imap_host,omitempty"`
	IMAPPort int    `json:"imap_port,omitempty"`
	SMTPHost string `json:"smtp_host,omitempty"`
	SMTPPort int    `json:"smtp_port,omitempty"`
	// TLS selects implicit TLS; otherwise STARTTLS is used.
	TLS bool `json:"tls,omitempty"`
}

// CredentialStore is the credential collaborator. Both methods may fail
// with KindAuth.
type CredentialStore interface {
	GetCredential(ctx context.Context, accountID string) (*Credential, error)
	Refresh(ctx context.Context, accountID string) (*Credential, error)
}
