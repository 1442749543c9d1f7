package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/mailbox"
	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

var secret = []byte("api-test-secret-api-test-secret")

type memCreds struct {
	mu    sync.Mutex
	items map[string]mailsync.Credential
}

func (m *memCreds) Put(_ context.Context, id string, c *mailsync.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id] = *c
	return nil
}

func (m *memCreds) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *memCreds) GetCredential(_ context.Context, id string) (*mailsync.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return nil, mailsync.NewError(mailsync.KindAuth, "get credential", mailsync.ErrNotFound)
	}
	return &c, nil
}

func (m *memCreds) Refresh(ctx context.Context, id string) (*mailsync.Credential, error) {
	return m.GetCredential(ctx, id)
}

// inbox is a provider with one folder holding two messages.
type inbox struct{}

func (inbox) Authenticate(context.Context) error { return nil }

func (inbox) ListFolders(context.Context) ([]mailsync.Folder, error) {
	return []mailsync.Folder{{ProviderID: "INBOX", Name: "Inbox", Type: mailsync.FolderInbox}}, nil
}

func (inbox) ListMessages(_ context.Context, req mailsync.ListRequest) (*mailsync.Page, error) {
	if req.Since != "" {
		return &mailsync.Page{Cursor: req.Since}, nil
	}
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &mailsync.Page{
		Messages: []mailsync.Message{
			{ProviderID: "m1", FolderID: "INBOX", Subject: "first", From: "bob@example.org", Date: at},
			{ProviderID: "m2", FolderID: "INBOX", Subject: "second", From: "bob@example.org", Date: at.Add(time.Minute)},
		},
		Cursor: "h1",
	}, nil
}

func (inbox) FetchMessageDetail(_ context.Context, id string) (*mailsync.MessageDetail, error) {
	return &mailsync.MessageDetail{TextBody: "body of " + id}, nil
}

func (inbox) Send(context.Context, mailsync.OutgoingMessage) (string, error) { return "out-1", nil }
func (inbox) MarkRead(context.Context, string) error                         { return nil }
func (inbox) Delete(context.Context, string) error                           { return nil }
func (inbox) Move(context.Context, string, string) error                     { return nil }

type harness struct {
	srv   *Server
	st    *store.Store
	sched *mailsync.Scheduler
	creds *memCreds
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	creds := &memCreds{items: map[string]mailsync.Credential{}}
	factory := func(context.Context, mailsync.Account, *mailsync.Credential) (mailsync.MailProvider, error) {
		return inbox{}, nil
	}
	log := zerolog.Nop()
	runner := mailsync.NewRunner(st, creds, factory, mailsync.RunnerConfig{CallTimeout: 5 * time.Second}, log)
	sched := mailsync.NewScheduler(mailsync.SchedulerConfig{}, st, runner, log)
	verifier, err := auth.NewHMACVerifier(secret)
	if err != nil {
		t.Fatal(err)
	}
	srv := New(Deps{
		Repo:        st,
		Scheduler:   sched,
		Mailbox:     mailbox.New(st, sched, log),
		Credentials: creds,
		Verifier:    verifier,
		Log:         log,
	})
	return &harness{srv: srv, st: st, sched: sched, creds: creds}
}

func token(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewBuilder().Subject(sub).Expiration(time.Now().Add(time.Hour)).Build()
	if err != nil {
		t.Fatal(err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, secret))
	if err != nil {
		t.Fatal(err)
	}
	return string(signed)
}

func (h *harness) do(t *testing.T, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func (h *harness) connect(t *testing.T, user string) string {
	t.Helper()
	w := h.do(t, user, http.MethodPost, "/accounts/connect", map[string]any{
		"provider":     "gmail",
		"email":        "alice@example.org",
		"display_name": "Alice",
		"credentials":  map[string]any{"access_token": "at", "refresh_token": "rt"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("connect = %d %s", w.Code, w.Body.String())
	}
	return decode[mailsync.Account](t, w).ID
}

func TestHealthzAndAuth(t *testing.T) {
	h := newHarness(t)
	if w := h.do(t, "", http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz = %d", w.Code)
	}
	if w := h.do(t, "", http.MethodGet, "/accounts", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated = %d", w.Code)
	}
}

func TestConnectValidation(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing fields", map[string]any{"provider": "gmail"}},
		{"bad provider", map[string]any{"provider": "aol", "email": "a@b.c", "display_name": "A"}},
		{"imap without host", map[string]any{"provider": "imap", "email": "a@b.c", "display_name": "A", "credentials": map[string]any{"password": "pw"}}},
		{"gmail without token", map[string]any{"provider": "gmail", "email": "a@b.c", "display_name": "A"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := h.do(t, "u1", http.MethodPost, "/accounts/connect", tt.body); w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestSyncAndMessages(t *testing.T) {
	h := newHarness(t)
	id := h.connect(t, "u1")

	accts := decode[[]mailsync.Account](t, h.do(t, "u1", http.MethodGet, "/accounts", nil))
	if len(accts) != 1 || accts[0].ID != id {
		t.Fatalf("accounts = %+v", accts)
	}

	w := h.do(t, "u1", http.MethodPost, "/sync/trigger/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("trigger = %d %s", w.Code, w.Body.String())
	}
	st := decode[mailsync.JobStatus](t, w)
	if st.Running || st.LastError != "" || st.LastSync == nil {
		t.Fatalf("status = %+v", st)
	}

	list := decode[struct {
		Messages []mailsync.Message `json:"messages"`
	}](t, h.do(t, "u1", http.MethodGet, "/messages?accountId="+id+"&folderId=INBOX", nil))
	if len(list.Messages) != 2 || list.Messages[0].ProviderID != "m2" {
		t.Fatalf("messages = %+v", list.Messages)
	}

	found := decode[struct {
		Messages []mailsync.Message `json:"messages"`
	}](t, h.do(t, "u1", http.MethodGet, "/messages?accountId="+id+"&search=SECOND", nil))
	if len(found.Messages) != 1 || found.Messages[0].ProviderID != "m2" {
		t.Fatalf("search = %+v", found.Messages)
	}

	w = h.do(t, "u1", http.MethodGet, "/messages/"+id+"/m1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("detail = %d %s", w.Code, w.Body.String())
	}
	if d := decode[mailsync.MessageDetail](t, w); d.TextBody != "body of m1" {
		t.Fatalf("detail = %+v", d)
	}

	if w := h.do(t, "u1", http.MethodPost, "/messages/"+id+"/m1/read", nil); w.Code != http.StatusOK {
		t.Fatalf("read = %d %s", w.Code, w.Body.String())
	}
	if m, _ := h.st.GetMessage(context.Background(), id, "m1"); !m.IsRead {
		t.Fatal("m1 not marked read")
	}

	if w := h.do(t, "u1", http.MethodPost, "/messages/"+id+"/m1/move", map[string]any{"folder_id": "Nowhere"}); w.Code != http.StatusNotFound {
		t.Fatalf("move to unknown folder = %d", w.Code)
	}
	if w := h.do(t, "u1", http.MethodGet, "/messages/"+id+"/nope", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown message = %d", w.Code)
	}

	w = h.do(t, "u1", http.MethodPost, "/messages/send", map[string]any{"account_id": id, "to": []string{"bob@example.org"}, "subject": "hi", "body": "hello"})
	if w.Code != http.StatusOK {
		t.Fatalf("send = %d %s", w.Code, w.Body.String())
	}
	if w := h.do(t, "u1", http.MethodPost, "/messages/send", map[string]any{"account_id": id, "subject": "hi"}); w.Code != http.StatusBadRequest {
		t.Fatalf("send without recipients = %d", w.Code)
	}

	if w := h.do(t, "u1", http.MethodDelete, "/messages/"+id+"/m2", nil); w.Code != http.StatusOK {
		t.Fatalf("delete message = %d", w.Code)
	}
}

func TestEscapedMessageIDs(t *testing.T) {
	h := newHarness(t)
	id := h.connect(t, "u1")
	ctx := context.Background()
	if err := h.st.UpsertFolder(ctx, mailsync.Folder{AccountID: id, ProviderID: "INBOX", Name: "Inbox", Type: mailsync.FolderInbox}); err != nil {
		t.Fatal(err)
	}
	const msgID = "INBOX/1700000000/5"
	err := h.st.UpsertMessage(ctx, mailsync.Message{AccountID: id, ProviderID: msgID, FolderID: "INBOX", Subject: "imap", Date: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	escaped := "/messages/" + id + "/" + url.PathEscape(msgID)

	w := h.do(t, "u1", http.MethodGet, escaped, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("detail = %d %s", w.Code, w.Body.String())
	}
	if d := decode[mailsync.MessageDetail](t, w); d.ProviderID != msgID || d.TextBody != "body of "+msgID {
		t.Fatalf("detail = %+v", d)
	}
	if w := h.do(t, "u1", http.MethodPost, escaped+"/read", nil); w.Code != http.StatusOK {
		t.Fatalf("read = %d %s", w.Code, w.Body.String())
	}
	if m, _ := h.st.GetMessage(ctx, id, msgID); m == nil || !m.IsRead {
		t.Fatalf("message not marked read: %+v", m)
	}
	if w := h.do(t, "u1", http.MethodDelete, escaped, nil); w.Code != http.StatusOK {
		t.Fatalf("delete = %d %s", w.Code, w.Body.String())
	}
}

func TestOtherUsersAccountsAreHidden(t *testing.T) {
	h := newHarness(t)
	id := h.connect(t, "u1")

	for _, path := range []string{"/accounts/" + id, "/sync/status/" + id, "/messages?accountId=" + id} {
		if w := h.do(t, "u2", http.MethodGet, path, nil); w.Code != http.StatusNotFound {
			t.Errorf("GET %s as u2 = %d", path, w.Code)
		}
	}
	if w := h.do(t, "u2", http.MethodPost, "/sync/trigger/"+id, nil); w.Code != http.StatusNotFound {
		t.Errorf("trigger as u2 = %d", w.Code)
	}
	statuses := decode[[]mailsync.JobStatus](t, h.do(t, "u2", http.MethodGet, "/sync/status", nil))
	if len(statuses) != 0 {
		t.Fatalf("u2 statuses = %+v", statuses)
	}
}

func TestTriggerWhileRunning(t *testing.T) {
	h := newHarness(t)
	id := h.connect(t, "u1")

	err := h.sched.WithAccount(context.Background(), id, func(context.Context) error {
		if w := h.do(t, "u1", http.MethodPost, "/sync/trigger/"+id, nil); w.Code != http.StatusConflict {
			t.Errorf("trigger while held = %d", w.Code)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if w := h.do(t, "u1", http.MethodPost, "/sync/cancel/"+id, nil); w.Code != http.StatusOK {
		t.Fatalf("cancel = %d", w.Code)
	}
}

func TestResyncAndDelete(t *testing.T) {
	h := newHarness(t)
	id := h.connect(t, "u1")
	if w := h.do(t, "u1", http.MethodPost, "/sync/trigger/"+id, nil); w.Code != http.StatusOK {
		t.Fatalf("trigger = %d", w.Code)
	}

	if w := h.do(t, "u1", http.MethodPost, "/sync/resync/"+id+"?full=true", nil); w.Code != http.StatusAccepted {
		t.Fatalf("resync = %d %s", w.Code, w.Body.String())
	}
	cursors, err := h.st.ListCursors(context.Background(), id)
	if err != nil || len(cursors) != 0 {
		t.Fatalf("cursors after full resync = %+v, %v", cursors, err)
	}

	if w := h.do(t, "u1", http.MethodDelete, "/accounts/"+id, nil); w.Code != http.StatusOK {
		t.Fatalf("delete = %d", w.Code)
	}
	if w := h.do(t, "u1", http.MethodGet, "/accounts/"+id, nil); w.Code != http.StatusNotFound {
		t.Fatalf("get deleted = %d", w.Code)
	}
	if _, ok := h.creds.items[id]; ok {
		t.Fatal("credential kept after delete")
	}
}
