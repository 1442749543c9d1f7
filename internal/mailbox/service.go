// Package mailbox implements user initiated message operations. Provider
// calls run under the account slot, so they never interleave with a sync
// job of the same account.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// ErrInvalidMessage is returned for an outgoing message that cannot be sent.
var ErrInvalidMessage = errors.New("invalid message")

// Accounts grants exclusive access to an account and connects to its
// provider. *mailsync.Scheduler implements it.
type Accounts interface {
	WithAccount(ctx context.Context, accountID string, fn func(ctx context.Context) error) error
	Connect(ctx context.Context, acct mailsync.Account) (mailsync.MailProvider, error)
}

// Service runs mailbox operations against the repository and provider.
type Service struct {
	repo  mailsync.Repository
	accts Accounts
	log   zerolog.Logger
	now   func() time.Time
}

// New wires a mailbox service.
func New(repo mailsync.Repository, accts Accounts, log zerolog.Logger) *Service {
	return &Service{
		repo:  repo,
		accts: accts,
		log:   log.With().Str("component", "mailbox").Logger(),
		now:   time.Now,
	}
}

// List returns stored envelopes, newest first.
func (s *Service) List(ctx context.Context, f mailsync.MessageFilter) ([]mailsync.Message, error) {
	if f.AccountID == "" {
		return nil, fmt.Errorf("account id is required: %w", ErrInvalidMessage)
	}
	return s.repo.ListMessages(ctx, f)
}

// Detail returns the message with its body. A body not stored yet is
// fetched from the provider and kept. When the provider no longer has
// the message it is removed locally and ErrNotFound is returned.
func (s *Service) Detail(ctx context.Context, accountID, providerID string) (*mailsync.MessageDetail, error) {
	stored, err := s.repo.GetMessage(ctx, accountID, providerID)
	if err != nil {
		return nil, err
	}
	if d, err := s.repo.GetMessageBody(ctx, accountID, providerID); err == nil {
		return d, nil
	} else if !errors.Is(err, mailsync.ErrNotFound) {
		return nil, err
	}

	var detail *mailsync.MessageDetail
	err = s.withProvider(ctx, accountID, func(ctx context.Context, prov mailsync.MailProvider) error {
		fetched, err := prov.FetchMessageDetail(ctx, providerID)
		if mailsync.IsKind(err, mailsync.KindNotFound) {
			return s.drop(ctx, accountID, providerID)
		}
		if err != nil {
			return err
		}
		detail = &mailsync.MessageDetail{
			Message:     *stored,
			TextBody:    fetched.TextBody,
			HTMLBody:    fetched.HTMLBody,
			Attachments: fetched.Attachments,
		}
		if detail.Attachments == nil {
			detail.Attachments = []mailsync.Attachment{}
		}
		detail.HasAttachments = stored.HasAttachments || len(fetched.Attachments) > 0
		return s.repo.SaveMessageBody(ctx, *detail)
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// Send submits msg through the account's provider and returns the
// provider assigned id.
func (s *Service) Send(ctx context.Context, accountID string, msg mailsync.OutgoingMessage) (string, error) {
	if len(msg.To)+len(msg.Cc) == 0 {
		return "", fmt.Errorf("no recipients: %w", ErrInvalidMessage)
	}
	acct, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if msg.From == "" {
		msg.From = acct.Email
	}
	var id string
	err = s.withProvider(ctx, accountID, func(ctx context.Context, prov mailsync.MailProvider) error {
		id, err = prov.Send(ctx, msg)
		return err
	})
	if err != nil {
		return "", err
	}
	s.log.Info().Str("account_id", accountID).Str("provider_id", id).Int("recipients", len(msg.To)+len(msg.Cc)).Msg("message sent")
	return id, nil
}

// MarkRead marks the message read at the provider and locally.
func (s *Service) MarkRead(ctx context.Context, accountID, providerID string) error {
	return s.mutate(ctx, accountID, providerID,
		func(ctx context.Context, prov mailsync.MailProvider) error {
			return prov.MarkRead(ctx, providerID)
		},
		func(ctx context.Context, tx mailsync.Repository, m mailsync.Message) error {
			if m.IsRead {
				return nil
			}
			m.IsRead = true
			return s.update(ctx, tx, m, "is_read")
		})
}

// Delete deletes the message at the provider and removes it locally.
func (s *Service) Delete(ctx context.Context, accountID, providerID string) error {
	return s.mutate(ctx, accountID, providerID,
		func(ctx context.Context, prov mailsync.MailProvider) error {
			return prov.Delete(ctx, providerID)
		},
		func(ctx context.Context, tx mailsync.Repository, m mailsync.Message) error {
			return s.remove(ctx, tx, m)
		})
}

// Move moves the message to folderID, which must be a known folder of
// the account.
func (s *Service) Move(ctx context.Context, accountID, providerID, folderID string) error {
	folders, err := s.repo.ListFolders(ctx, accountID)
	if err != nil {
		return err
	}
	known := false
	for _, f := range folders {
		if f.ProviderID == folderID {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("folder %s: %w", folderID, mailsync.ErrNotFound)
	}
	return s.mutate(ctx, accountID, providerID,
		func(ctx context.Context, prov mailsync.MailProvider) error {
			return prov.Move(ctx, providerID, folderID)
		},
		func(ctx context.Context, tx mailsync.Repository, m mailsync.Message) error {
			if m.FolderID == folderID {
				return nil
			}
			m.FolderID = folderID
			return s.update(ctx, tx, m, "folder_id")
		})
}

// mutate runs a provider mutation followed by its local counterpart in
// one transaction. A message the provider no longer has is dropped.
func (s *Service) mutate(
	ctx context.Context,
	accountID, providerID string,
	remote func(ctx context.Context, prov mailsync.MailProvider) error,
	local func(ctx context.Context, tx mailsync.Repository, m mailsync.Message) error,
) error {
	if _, err := s.repo.GetMessage(ctx, accountID, providerID); err != nil {
		return err
	}
	return s.withProvider(ctx, accountID, func(ctx context.Context, prov mailsync.MailProvider) error {
		err := remote(ctx, prov)
		if mailsync.IsKind(err, mailsync.KindNotFound) {
			return s.drop(ctx, accountID, providerID)
		}
		if err != nil {
			return err
		}
		// Reread under the slot; a sync job may have changed the row.
		m, err := s.repo.GetMessage(ctx, accountID, providerID)
		if err != nil {
			return err
		}
		wctx := context.WithoutCancel(ctx)
		return s.repo.WithinTx(wctx, func(tx mailsync.Repository) error {
			return local(wctx, tx, *m)
		})
	})
}

func (s *Service) withProvider(ctx context.Context, accountID string, fn func(ctx context.Context, prov mailsync.MailProvider) error) error {
	return s.accts.WithAccount(ctx, accountID, func(ctx context.Context) error {
		acct, err := s.repo.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		prov, err := s.accts.Connect(ctx, *acct)
		if err != nil {
			return err
		}
		return fn(ctx, prov)
	})
}

func (s *Service) update(ctx context.Context, tx mailsync.Repository, m mailsync.Message, field string) error {
	if err := tx.UpsertMessage(ctx, m); err != nil {
		return err
	}
	return tx.AppendChanges(ctx, []mailsync.Change{{
		AccountID:  m.AccountID,
		Kind:       mailsync.ChangeMessageUpdated,
		ProviderID: m.ProviderID,
		FolderID:   m.FolderID,
		Fields:     []string{field},
		At:         s.now(),
	}})
}

func (s *Service) remove(ctx context.Context, tx mailsync.Repository, m mailsync.Message) error {
	if err := tx.DeleteMessage(ctx, m.AccountID, m.ProviderID); err != nil {
		return err
	}
	return tx.AppendChanges(ctx, []mailsync.Change{{
		AccountID:  m.AccountID,
		Kind:       mailsync.ChangeMessageDeleted,
		ProviderID: m.ProviderID,
		FolderID:   m.FolderID,
		At:         s.now(),
	}})
}

// drop removes a message the provider reported missing and returns the
// not found error for the caller. It runs under the account slot.
func (s *Service) drop(ctx context.Context, accountID, providerID string) error {
	notFound := fmt.Errorf("message %s: %w", providerID, mailsync.ErrNotFound)
	m, err := s.repo.GetMessage(ctx, accountID, providerID)
	if errors.Is(err, mailsync.ErrNotFound) {
		return notFound
	}
	if err != nil {
		return err
	}
	wctx := context.WithoutCancel(ctx)
	err = s.repo.WithinTx(wctx, func(tx mailsync.Repository) error {
		return s.remove(wctx, tx, *m)
	})
	if err != nil {
		return fmt.Errorf("dropping missing message: %w", err)
	}
	s.log.Info().Str("account_id", accountID).Str("provider_id", providerID).Msg("provider no longer has message, removed locally")
	return notFound
}
