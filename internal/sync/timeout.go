package sync

import (
	"context"
	"errors"
	"time"
)

// boundedProvider applies the mandatory per-call timeout to every
// adapter call. A call that outlives its deadline fails as
// KindTransient. Calls run detached from job cancellation so that a
// cancelled job waits for the call in flight instead of tearing it down.
type boundedProvider struct {
	inner   MailProvider
	timeout time.Duration
}

// WithCallTimeout wraps p so that every call is bounded by timeout.
func WithCallTimeout(p MailProvider, timeout time.Duration) MailProvider {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &boundedProvider{inner: p, timeout: timeout}
}

// DefaultCallTimeout bounds adapter calls when no timeout is configured.
const DefaultCallTimeout = 30 * time.Second

func (p *boundedProvider) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
}

func classifyCall(op string, ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var se *Error
		if !errors.As(err, &se) || se.Kind == KindUnknown || se.Kind == KindCancelled {
			return NewError(KindTransient, op, err)
		}
	}
	return err
}

func (p *boundedProvider) Authenticate(ctx context.Context) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	return classifyCall("authenticate", ctx, p.inner.Authenticate(ctx))
}

func (p *boundedProvider) ListFolders(ctx context.Context) ([]Folder, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	folders, err := p.inner.ListFolders(ctx)
	return folders, classifyCall("list folders", ctx, err)
}

func (p *boundedProvider) ListMessages(ctx context.Context, req ListRequest) (*Page, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	page, err := p.inner.ListMessages(ctx, req)
	return page, classifyCall("list messages", ctx, err)
}

func (p *boundedProvider) FetchMessageDetail(ctx context.Context, providerID string) (*MessageDetail, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	d, err := p.inner.FetchMessageDetail(ctx, providerID)
	return d, classifyCall("fetch message", ctx, err)
}

func (p *boundedProvider) Send(ctx context.Context, msg OutgoingMessage) (string, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	id, err := p.inner.Send(ctx, msg)
	return id, classifyCall("send", ctx, err)
}

func (p *boundedProvider) MarkRead(ctx context.Context, providerID string) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	return classifyCall("mark read", ctx, p.inner.MarkRead(ctx, providerID))
}

func (p *boundedProvider) Delete(ctx context.Context, providerID string) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	return classifyCall("delete", ctx, p.inner.Delete(ctx, providerID))
}

func (p *boundedProvider) Move(ctx context.Context, providerID, folderID string) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	return classifyCall("move", ctx, p.inner.Move(ctx, providerID, folderID))
}
