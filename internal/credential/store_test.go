package credential

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

func newTestStore(t *testing.T, handler http.HandlerFunc) *Store {
	t.Helper()
	cfg := Config{}
	if handler != nil {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		ep := &oauth2.Endpoint{TokenURL: srv.URL + "/token", AuthStyle: oauth2.AuthStyleInParams}
		cfg.Google = OAuthClient{ClientID: "cid", ClientSecret: "secret", Endpoint: ep}
	}
	return New(keyring.NewArrayKeyring(nil), cfg, zerolog.Nop())
}

func TestPutGetDelete(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	in := &mailsync.Credential{Provider: mailsync.ProviderIMAP, Username: "a@example.org", Password: "pw", IMAPHost: "imap.example.org", TLS: true}
	if err := s.Put(ctx, "acct-1", in); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.GetCredential(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if got.Password != "pw" || got.IMAPHost != "imap.example.org" || !got.TLS {
		t.Fatalf("credential = %+v", got)
	}

	if err := s.Delete(ctx, "acct-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "acct-1"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := s.GetCredential(ctx, "acct-1"); !mailsync.IsKind(err, mailsync.KindAuth) {
		t.Fatalf("missing credential err = %v", err)
	}
}

func TestRefresh(t *testing.T) {
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("refresh_token") != "r1" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600,"refresh_token":"r2"}`))
	})
	ctx := context.Background()

	if err := s.Put(ctx, "g", &mailsync.Credential{Provider: mailsync.ProviderGmail, AccessToken: "stale", RefreshToken: "r1"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	cred, err := s.Refresh(ctx, "g")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if cred.AccessToken != "fresh" || cred.RefreshToken != "r2" || cred.Expiry.IsZero() {
		t.Fatalf("refreshed = %+v", cred)
	}
	stored, _ := s.GetCredential(ctx, "g")
	if stored.AccessToken != "fresh" {
		t.Fatalf("stored access token = %s", stored.AccessToken)
	}

	// r2 is rejected by the fake endpoint.
	if _, err := s.Refresh(ctx, "g"); !mailsync.IsKind(err, mailsync.KindAuth) {
		t.Fatalf("rejected grant err = %v", err)
	}
}

func TestSlowRefreshDoesNotBlockOtherAccounts(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	t.Cleanup(func() { close(release) })
	ctx := context.Background()

	if err := s.Put(ctx, "g", &mailsync.Credential{Provider: mailsync.ProviderGmail, RefreshToken: "r1"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "i", &mailsync.Credential{Provider: mailsync.ProviderIMAP, Password: "pw"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	refreshed := make(chan error, 1)
	go func() {
		_, err := s.Refresh(rctx, "g")
		refreshed <- err
	}()
	<-entered

	got := make(chan error, 1)
	go func() {
		_, err := s.GetCredential(ctx, "i")
		got <- err
	}()
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("GetCredential: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("GetCredential blocked behind a token exchange")
	}

	cancel()
	if err := <-refreshed; err == nil {
		t.Fatal("cancelled refresh succeeded")
	}
}

func TestRefreshWithoutPath(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	if err := s.Put(ctx, "i", &mailsync.Credential{Provider: mailsync.ProviderIMAP, Password: "pw"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Refresh(ctx, "i"); !mailsync.IsKind(err, mailsync.KindAuth) {
		t.Fatalf("err = %v", err)
	}
}

func TestAllowedBackends(t *testing.T) {
	if b, err := allowedBackends("file"); err != nil || len(b) != 1 || b[0] != keyring.FileBackend {
		t.Fatalf("file = %v %v", b, err)
	}
	if _, err := allowedBackends("floppy"); err == nil {
		t.Fatal("expected error")
	}
}
