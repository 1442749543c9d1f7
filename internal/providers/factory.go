// Package providers selects the adapter for an account's mail backend.
package providers

import (
	"context"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/imap"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// Factory builds provider adapters.
type Factory struct {
	IMAP imap.Options
}

// New returns the adapter for acct.Provider.
func (f *Factory) New(ctx context.Context, acct mailsync.Account, cred *mailsync.Credential) (mailsync.MailProvider, error) {
	var (
		p   mailsync.MailProvider
		err error
	)
	switch acct.Provider {
	case mailsync.ProviderGmail:
		p, err = gmail.New(ctx, cred)
	case mailsync.ProviderOutlook:
		p, err = outlook.New(ctx, cred)
	case mailsync.ProviderIMAP:
		p, err = imap.New(cred, f.IMAP)
	default:
		err = fmt.Errorf("unsupported provider %q", acct.Provider)
	}
	if err != nil {
		return nil, mailsync.NewError(mailsync.KindUnknown, "create provider", err)
	}
	return p, nil
}
