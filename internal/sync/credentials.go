package sync

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"
)

// credentialGate serializes credential refreshes per account. Concurrent
// refresh requests for one account share a single call to the store.
// Every store call is bounded by timeout.
type credentialGate struct {
	store   CredentialStore
	timeout time.Duration
	group   singleflight.Group
}

func newCredentialGate(store CredentialStore, timeout time.Duration) *credentialGate {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &credentialGate{store: store, timeout: timeout}
}

func (g *credentialGate) get(ctx context.Context, accountID string) (*Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	cred, err := g.store.GetCredential(ctx, accountID)
	if err != nil {
		return nil, asAuthError("get credential", ctx, err)
	}
	return cred, nil
}

// refresh runs one shared refresh for accountID. The shared call is
// detached from any single caller and ends at the gate timeout; a caller
// whose ctx ends stops waiting and fails as KindCancelled.
func (g *credentialGate) refresh(ctx context.Context, accountID string) (*Credential, error) {
	ch := g.group.DoChan(accountID, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		cred, err := g.store.Refresh(rctx, accountID)
		if err != nil {
			return nil, asAuthError("refresh credential", rctx, err)
		}
		return cred, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Credential), nil
	case <-ctx.Done():
		return nil, NewError(KindCancelled, "refresh credential", ctx.Err())
	}
}

// asAuthError keeps classified errors and treats the rest as credential
// failures. A call that ran out of time is transient.
func asAuthError(op string, ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return classifyCall(op, ctx, err)
	case ctx.Err() != nil:
		return NewError(KindCancelled, op, err)
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return NewError(KindAuth, op, err)
}
