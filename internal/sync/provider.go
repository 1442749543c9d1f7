package sync

import (
	"context"
	"time"
)

// ProviderKind identifies the mail backend an account is connected to.
type ProviderKind string

const (
	ProviderGmail   ProviderKind = "gmail"
	ProviderOutlook ProviderKind = "outlook"
	ProviderIMAP    ProviderKind = "imap"
)

// Valid reports whether k is one of the supported providers.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderGmail, ProviderOutlook, ProviderIMAP:
		return true
	}
	return false
}

// FolderType is the canonical role of a provider folder or label.
type FolderType string

const (
	FolderInbox   FolderType = "inbox"
	FolderSent    FolderType = "sent"
	FolderDraft   FolderType = "draft"
	FolderTrash   FolderType = "trash"
	FolderArchive FolderType = "archive"
	FolderCustom  FolderType = "custom"
)

// Folder is a provider-scoped message container. (AccountID, ProviderID)
// is unique.
type Folder struct {
	AccountID  string     `json:"account_id" db:"account_id"`
	ProviderID string     `json:"provider_id" db:"provider_id"`
	Name       string     `json:"name" db:"name"`
	Type       FolderType `json:"type" db:"type"`
}

// Message is the canonical envelope normalized across providers.
// (AccountID, ProviderID) is the dedup key for repeated syncs.
type Message struct {
	AccountID      string    `json:"account_id"`
	ProviderID     string    `json:"provider_id"`
	ThreadID       string    `json:"thread_id,omitempty"`
	FolderID       string    `json:"folder_id"`
	Subject        string    `json:"subject"`
	From           string    `json:"from"`
	To             []string  `json:"to"`
	Cc             []string  `json:"cc,omitempty"`
	Date           time.Time `json:"date"`
	Snippet        string    `json:"snippet"`
	IsRead         bool      `json:"is_read"`
	HasAttachments bool      `json:"has_attachments"`
	Size           int64     `json:"size"`
}

// Attachment describes one attachment of a message. Content is not
// carried through the sync path.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// MessageDetail is a message together with its body and attachments.
type MessageDetail struct {
	Message
	TextBody    string       `json:"text_body"`
	HTMLBody    string       `json:"html_body,omitempty"`
	Attachments []Attachment `json:"attachments"`
}

// OutgoingMessage is a message composed by the user.
type OutgoingMessage struct {
	From    string   `json:"from,omitempty"`
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	HTML    string   `json:"html,omitempty"`
}

// ListRequest asks a provider for one page of envelopes in a folder.
// Since is the opaque delta cursor from a previous pull; empty means a
// full listing. PageToken continues a pull that returned NextPageToken.
type ListRequest struct {
	FolderID  string
	Since     string
	PageToken string
	Limit     int
}

// Page is one page of a folder pull.
type Page struct {
	Messages []Message
	// Removed lists provider ids the provider explicitly reported as
	// deleted from the folder. Only delta feeds fill it.
	Removed []string
	// NextPageToken is empty on the last page of a pull.
	NextPageToken string
	// Cursor is the delta cursor to store once the pull is complete. It is
	// only meaningful on the last page.
	Cursor string
}

// MailProvider is the uniform capability set every provider adapter
// implements. Every failure is returned as a classified *Error.
type MailProvider interface {
	// Authenticate checks that the current credential is usable.
	Authenticate(ctx context.Context) error

	ListFolders(ctx context.Context) ([]Folder, error)

	// ListMessages returns one page of envelopes newer than req.Since.
	ListMessages(ctx context.Context, req ListRequest) (*Page, error)

	// FetchMessageDetail fails with KindNotFound once the provider no
	// longer has the message.
	FetchMessageDetail(ctx context.Context, providerID string) (*MessageDetail, error)

	// Send returns the provider assigned message id. It does no dedup.
	Send(ctx context.Context, msg OutgoingMessage) (string, error)

	MarkRead(ctx context.Context, providerID string) error
	Delete(ctx context.Context, providerID string) error
	Move(ctx context.Context, providerID, folderID string) error
}

// ProviderFactory builds the adapter for an account from its credential.
type ProviderFactory func(ctx context.Context, acct Account, cred *Credential) (MailProvider, error)
