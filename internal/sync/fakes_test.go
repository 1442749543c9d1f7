package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	gosync "sync"
	"time"
)

// memRepo is an in-memory Repository for tests.
type memRepo struct {
	mu       gosync.Mutex
	accounts map[string]Account
	folders  map[string]map[string]Folder
	messages map[string]map[string]Message
	bodies   map[string]MessageDetail
	cursors  map[string]Cursor
	changes  []Change
	// writes counts message mutations.
	writes int
	// states records every persisted job state in order.
	states []JobState
}

func newMemRepo() *memRepo {
	return &memRepo{
		accounts: make(map[string]Account),
		folders:  make(map[string]map[string]Folder),
		messages: make(map[string]map[string]Message),
		bodies:   make(map[string]MessageDetail),
		cursors:  make(map[string]Cursor),
	}
}

func (r *memRepo) CreateAccount(_ context.Context, a Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[a.ID] = a
	return nil
}

func (r *memRepo) GetAccount(_ context.Context, id string) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return &a, nil
}

func (r *memRepo) ListAccounts(_ context.Context, userID string) ([]Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Account
	for _, a := range r.accounts {
		if userID == "" || a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) DeleteAccount(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.accounts, id)
	delete(r.folders, id)
	delete(r.messages, id)
	return nil
}

func (r *memRepo) UpdateSyncState(_ context.Context, u SyncUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[u.AccountID]
	if !ok {
		return ErrNotFound
	}
	a.State, a.Status, a.Attempts = u.State, u.Status, u.Attempts
	a.LastError, a.LastSync, a.NextSync = u.LastError, u.LastSync, u.NextSync
	r.accounts[u.AccountID] = a
	r.states = append(r.states, u.State)
	return nil
}

func (r *memRepo) ListDueAccounts(_ context.Context, now time.Time, limit int) ([]Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Account
	for _, a := range r.accounts {
		if !a.NextSync.IsZero() && !a.NextSync.After(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextSync.Equal(out[j].NextSync) {
			return out[i].NextSync.Before(out[j].NextSync)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) UpsertFolder(_ context.Context, f Folder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.folders[f.AccountID] == nil {
		r.folders[f.AccountID] = make(map[string]Folder)
	}
	r.folders[f.AccountID][f.ProviderID] = f
	return nil
}

func (r *memRepo) ListFolders(_ context.Context, accountID string) ([]Folder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Folder
	for _, f := range r.folders[accountID] {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

func (r *memRepo) GetMessage(_ context.Context, accountID, providerID string) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[accountID][providerID]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (r *memRepo) UpsertMessage(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.messages[m.AccountID] == nil {
		r.messages[m.AccountID] = make(map[string]Message)
	}
	r.messages[m.AccountID][m.ProviderID] = m
	r.writes++
	return nil
}

func (r *memRepo) DeleteMessage(_ context.Context, accountID, providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.messages[accountID], providerID)
	delete(r.bodies, accountID+"/"+providerID)
	r.writes++
	return nil
}

func (r *memRepo) ListFolderMessageIDs(_ context.Context, accountID, folderID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, m := range r.messages[accountID] {
		if m.FolderID == folderID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *memRepo) ListMessages(_ context.Context, f MessageFilter) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.messages[f.AccountID] {
		if f.FolderID != "" && m.FolderID != f.FolderID {
			continue
		}
		if q := strings.ToLower(f.Search); q != "" &&
			!strings.Contains(strings.ToLower(m.Subject+"\n"+m.From+"\n"+m.Snippet), q) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

func (r *memRepo) GetMessageBody(_ context.Context, accountID, providerID string) (*MessageDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.bodies[accountID+"/"+providerID]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (r *memRepo) SaveMessageBody(_ context.Context, d MessageDetail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies[d.AccountID+"/"+d.ProviderID] = d
	return nil
}

func (r *memRepo) GetCursor(_ context.Context, accountID, folderID string) (*Cursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cursors[accountID+"/"+folderID]
	if !ok {
		return &Cursor{AccountID: accountID, FolderID: folderID}, nil
	}
	return &c, nil
}

func (r *memRepo) SetCursor(_ context.Context, c Cursor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors[c.AccountID+"/"+c.FolderID] = c
	return nil
}

func (r *memRepo) ListCursors(_ context.Context, accountID string) ([]Cursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Cursor
	for _, c := range r.cursors {
		if c.AccountID == accountID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *memRepo) ResetCursors(_ context.Context, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, c := range r.cursors {
		if c.AccountID == accountID {
			delete(r.cursors, k)
		}
	}
	return nil
}

func (r *memRepo) AppendChanges(_ context.Context, changes []Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, changes...)
	return nil
}

func (r *memRepo) WithinTx(_ context.Context, fn func(tx Repository) error) error {
	return fn(r)
}

func (r *memRepo) messageCount(accountID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages[accountID])
}

func (r *memRepo) cursor(accountID, folderID string) Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursors[accountID+"/"+folderID]
}

func (r *memRepo) account(id string) Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accounts[id]
}

// step is one scripted ListMessages response.
type step struct {
	page *Page
	err  error
}

// fakeProvider replays scripted pages per folder and records adapter
// concurrency.
type fakeProvider struct {
	mu       gosync.Mutex
	folders  []Folder
	script   map[string][]step
	requests []ListRequest
	authErr  error
	// block, when set, is waited on inside every ListMessages call.
	block chan struct{}
	// entered receives once per ListMessages call before blocking.
	entered chan struct{}

	inFlight    int
	maxInFlight int
}

func (p *fakeProvider) enter() {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	p.mu.Unlock()
}

func (p *fakeProvider) leave() {
	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
}

func (p *fakeProvider) Authenticate(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.authErr
	p.authErr = nil
	return err
}

func (p *fakeProvider) ListFolders(context.Context) ([]Folder, error) {
	return p.folders, nil
}

func (p *fakeProvider) ListMessages(ctx context.Context, req ListRequest) (*Page, error) {
	p.enter()
	defer p.leave()
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	steps := p.script[req.FolderID]
	if len(steps) == 0 {
		return &Page{Cursor: "delta-" + req.FolderID}, nil
	}
	s := steps[0]
	p.script[req.FolderID] = steps[1:]
	return s.page, s.err
}

func (p *fakeProvider) FetchMessageDetail(context.Context, string) (*MessageDetail, error) {
	return nil, NewError(KindNotFound, "fetch", nil)
}

func (p *fakeProvider) Send(context.Context, OutgoingMessage) (string, error) { return "sent-1", nil }
func (p *fakeProvider) MarkRead(context.Context, string) error                { return nil }
func (p *fakeProvider) Delete(context.Context, string) error                  { return nil }
func (p *fakeProvider) Move(context.Context, string, string) error            { return nil }

type fakeCreds struct {
	mu        gosync.Mutex
	refreshes int
}

func (c *fakeCreds) GetCredential(context.Context, string) (*Credential, error) {
	return &Credential{AccessToken: "token"}, nil
}

func (c *fakeCreds) Refresh(context.Context, string) (*Credential, error) {
	c.mu.Lock()
	c.refreshes++
	c.mu.Unlock()
	return &Credential{AccessToken: "fresh"}, nil
}

func staticFactory(p MailProvider) ProviderFactory {
	return func(context.Context, Account, *Credential) (MailProvider, error) { return p, nil }
}

// envelopes builds n messages with ids prefix-0..prefix-(n-1).
func envelopes(prefix, folderID string, n int) []Message {
	out := make([]Message, n)
	for i := range out {
		out[i] = Message{
			ProviderID: fmt.Sprintf("%s-%d", prefix, i),
			FolderID:   folderID,
			Subject:    fmt.Sprintf("subject %d", i),
			Size:       int64(100 + i),
		}
	}
	return out
}
