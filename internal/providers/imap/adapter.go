// Package imap implements MailProvider over IMAP4rev1 for reading and
// SMTP for submission.
package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/Martian-dev/mailsync/internal/providers/compose"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

const defaultPageLimit = 50

// Options tune how the adapter reaches its servers.
type Options struct {
	// TLSConfig is used for implicit TLS and STARTTLS.
	TLSConfig *tls.Config
	// Insecure skips TLS entirely. Only for local test servers.
	Insecure bool
}

// Adapter implements MailProvider for a generic IMAP account. Every call
// runs in its own authenticated session.
type Adapter struct {
	cred mailsync.Credential
	opts Options
	now  func() time.Time
}

// New validates cred and returns an adapter. No connection is made.
func New(cred *mailsync.Credential, opts Options) (*Adapter, error) {
	if cred.IMAPHost == "" {
		return nil, errors.New("imap host is required")
	}
	if cred.Username == "" {
		return nil, errors.New("imap username is required")
	}
	return &Adapter{cred: *cred, opts: opts, now: time.Now}, nil
}

func (a *Adapter) tlsConfig(host string) *tls.Config {
	cfg := &tls.Config{}
	if a.opts.TLSConfig != nil {
		cfg = a.opts.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

func (a *Adapter) imapAddr() string {
	port := a.cred.IMAPPort
	if port == 0 {
		port = 143
		if a.cred.TLS {
			port = 993
		}
	}
	return net.JoinHostPort(a.cred.IMAPHost, strconv.Itoa(port))
}

// dial connects and authenticates. The connection deadline follows ctx.
func (a *Adapter) dial(ctx context.Context) (*imapclient.Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", a.imapAddr())
	if err != nil {
		return nil, classify("connect", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	opts := &imapclient.Options{TLSConfig: a.tlsConfig(a.cred.IMAPHost)}
	var c *imapclient.Client
	switch {
	case a.opts.Insecure:
		c = imapclient.New(conn, opts)
	case a.cred.TLS:
		c = imapclient.New(tls.Client(conn, opts.TLSConfig), opts)
	default:
		if c, err = imapclient.NewStartTLS(conn, opts); err != nil {
			conn.Close()
			return nil, classify("starttls", err)
		}
	}

	if a.cred.Password == "" && a.cred.AccessToken != "" {
		err = c.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: a.cred.Username,
			Token:    a.cred.AccessToken,
		}))
	} else {
		err = c.Login(a.cred.Username, a.cred.Password).Wait()
	}
	if err != nil {
		c.Close()
		return nil, authFailure("login", err)
	}
	return c, nil
}

// session runs fn on a fresh authenticated connection. Cancelling ctx
// closes the connection under fn.
func (a *Adapter) session(ctx context.Context, op string, fn func(c *imapclient.Client) error) error {
	c, err := a.dial(ctx)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	err = fn(c)
	if err == nil {
		_ = c.Logout().Wait()
	}
	c.Close()
	if err != nil && ctx.Err() != nil {
		return mailsync.Classify(op, ctx.Err(), mailsync.KindCancelled)
	}
	return classify(op, err)
}

// Authenticate opens and closes one session.
func (a *Adapter) Authenticate(ctx context.Context) error {
	return a.session(ctx, "authenticate", func(*imapclient.Client) error { return nil })
}

// ListFolders lists selectable mailboxes. The \All virtual mailbox is
// skipped since every message in it is also listed in its real one.
func (a *Adapter) ListFolders(ctx context.Context) ([]mailsync.Folder, error) {
	var folders []mailsync.Folder
	err := a.session(ctx, "list folders", func(c *imapclient.Client) error {
		boxes, err := c.List("", "*", nil).Collect()
		if err != nil {
			return err
		}
		for _, mb := range boxes {
			if hasAttr(mb.Attrs, imap.MailboxAttrNoSelect) || hasAttr(mb.Attrs, imap.MailboxAttrNonExistent) || hasAttr(mb.Attrs, imap.MailboxAttrAll) {
				continue
			}
			folders = append(folders, mailsync.Folder{
				ProviderID: mb.Mailbox,
				Name:       displayName(mb),
				Type:       folderType(mb),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(folders, func(i, j int) bool {
		ri, rj := folderRank(folders[i].Type), folderRank(folders[j].Type)
		if ri != rj {
			return ri < rj
		}
		return folders[i].ProviderID < folders[j].ProviderID
	})
	return folders, nil
}

// ListMessages pages through a mailbox in ascending UID order. A full
// listing starts at UID 1; an incremental pull starts after the cursor's
// last UID and, on CONDSTORE servers, also returns older messages whose
// flags changed since the cursor's modseq.
func (a *Adapter) ListMessages(ctx context.Context, req mailsync.ListRequest) (*mailsync.Page, error) {
	var page *mailsync.Page
	err := a.session(ctx, "list messages", func(c *imapclient.Client) error {
		condStore := c.Caps().Has(imap.CapCondStore)
		sel, err := c.Select(req.FolderID, &imap.SelectOptions{ReadOnly: true, CondStore: condStore}).Wait()
		if err != nil {
			return err
		}
		page, err = a.pull(c, req, sel, condStore)
		return err
	})
	return page, err
}

func (a *Adapter) pull(c *imapclient.Client, req mailsync.ListRequest, sel *imap.SelectData, condStore bool) (*mailsync.Page, error) {
	var cur cursor
	start := imap.UID(1)
	if req.Since != "" {
		var err error
		if cur, err = parseCursor(req.Since); err != nil {
			return nil, mailsync.NewError(mailsync.KindCursorInvalid, "parse cursor", err)
		}
		if cur.validity != sel.UIDValidity {
			return nil, mailsync.NewError(mailsync.KindCursorInvalid, "select",
				fmt.Errorf("uidvalidity changed from %d to %d", cur.validity, sel.UIDValidity))
		}
		start = cur.lastUID + 1
	}
	if req.PageToken != "" {
		validity, next, err := parsePageToken(req.PageToken)
		if err != nil {
			return nil, mailsync.NewError(mailsync.KindCursorInvalid, "parse page token", err)
		}
		if validity != sel.UIDValidity {
			return nil, mailsync.NewError(mailsync.KindCursorInvalid, "select",
				fmt.Errorf("uidvalidity changed from %d to %d", validity, sel.UIDValidity))
		}
		start = next
	}

	uids, err := searchFrom(c, start)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	var next imap.UID
	if len(uids) > limit {
		next = uids[limit]
		uids = uids[:limit]
	}

	page := &mailsync.Page{}
	if len(uids) > 0 {
		msgs, err := a.fetchEnvelopes(c, req.FolderID, sel.UIDValidity, imap.UIDSetNum(uids...), 0)
		if err != nil {
			return nil, err
		}
		page.Messages = msgs
	}

	// Flag changes on already known messages are read once per pull.
	if req.Since != "" && req.PageToken == "" && condStore && cur.modSeq > 0 && cur.lastUID > 0 && sel.HighestModSeq > cur.modSeq {
		var known imap.UIDSet
		known.AddRange(1, cur.lastUID)
		changed, err := a.fetchEnvelopes(c, req.FolderID, sel.UIDValidity, known, cur.modSeq)
		if err != nil {
			return nil, err
		}
		page.Messages = append(changed, page.Messages...)
	}

	if next != 0 {
		page.NextPageToken = pageToken(sel.UIDValidity, next)
		return page, nil
	}

	high := cur.lastUID
	if sel.UIDNext > 0 && sel.UIDNext-1 > high {
		high = sel.UIDNext - 1
	}
	if n := len(uids); n > 0 && uids[n-1] > high {
		high = uids[n-1]
	}
	out := cursor{validity: sel.UIDValidity, lastUID: high}
	if condStore {
		out.modSeq = sel.HighestModSeq
	}
	page.Cursor = out.String()
	return page, nil
}

// searchFrom returns the UIDs >= start in ascending order. "n:*" always
// matches the highest message, so the result is filtered.
func searchFrom(c *imapclient.Client, start imap.UID) ([]imap.UID, error) {
	var set imap.UIDSet
	set.AddRange(start, 0)
	data, err := c.UIDSearch(&imap.SearchCriteria{UID: []imap.UIDSet{set}}, nil).Wait()
	if err != nil {
		return nil, err
	}
	var uids []imap.UID
	for _, uid := range data.AllUIDs() {
		if uid >= start {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (a *Adapter) fetchEnvelopes(c *imapclient.Client, mailbox string, validity uint32, set imap.UIDSet, changedSince uint64) ([]mailsync.Message, error) {
	opts := &imap.FetchOptions{
		UID:           true,
		Flags:         true,
		Envelope:      true,
		RFC822Size:    true,
		BodyStructure: &imap.FetchItemBodyStructure{},
		ChangedSince:  changedSince,
	}
	bufs, err := c.Fetch(set, opts).Collect()
	if err != nil {
		return nil, err
	}
	sort.Slice(bufs, func(i, j int) bool { return bufs[i].UID < bufs[j].UID })
	msgs := make([]mailsync.Message, 0, len(bufs))
	for _, buf := range bufs {
		msgs = append(msgs, normalize(buf, mailbox, validity))
	}
	return msgs, nil
}

// FetchMessageDetail downloads the full message without setting \Seen.
func (a *Adapter) FetchMessageDetail(ctx context.Context, providerID string) (*mailsync.MessageDetail, error) {
	mailbox, validity, uid, err := parseMessageID(providerID)
	if err != nil {
		return nil, mailsync.NewError(mailsync.KindNotFound, "parse message id", err)
	}
	var detail *mailsync.MessageDetail
	err = a.session(ctx, "fetch message", func(c *imapclient.Client) error {
		if err := selectValid(c, mailbox, validity, true); err != nil {
			return err
		}
		section := &imap.FetchItemBodySection{Peek: true}
		bufs, err := c.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
			UID:         true,
			Flags:       true,
			Envelope:    true,
			RFC822Size:  true,
			BodySection: []*imap.FetchItemBodySection{section},
		}).Collect()
		if err != nil {
			return err
		}
		if len(bufs) == 0 {
			return mailsync.NewError(mailsync.KindNotFound, "fetch message", fmt.Errorf("uid %d not in %s", uid, mailbox))
		}
		buf := bufs[0]
		p := compose.Parse(buf.FindBodySection(section))
		detail = &mailsync.MessageDetail{
			Message:     normalize(buf, mailbox, validity),
			TextBody:    p.TextBody,
			HTMLBody:    p.HTMLBody,
			Attachments: p.Attachments,
		}
		if detail.Attachments == nil {
			detail.Attachments = []mailsync.Attachment{}
		}
		detail.HasAttachments = len(p.Attachments) > 0
		return nil
	})
	return detail, err
}

// selectValid selects mailbox and fails with KindNotFound when its
// UIDVALIDITY no longer matches the message id.
func selectValid(c *imapclient.Client, mailbox string, validity uint32, readOnly bool) error {
	sel, err := c.Select(mailbox, &imap.SelectOptions{ReadOnly: readOnly}).Wait()
	if err != nil {
		return err
	}
	if sel.UIDValidity != validity {
		return mailsync.NewError(mailsync.KindNotFound, "select",
			fmt.Errorf("uidvalidity of %s is %d, not %d", mailbox, sel.UIDValidity, validity))
	}
	return nil
}

// MarkRead sets \Seen.
func (a *Adapter) MarkRead(ctx context.Context, providerID string) error {
	mailbox, validity, uid, err := parseMessageID(providerID)
	if err != nil {
		return mailsync.NewError(mailsync.KindNotFound, "parse message id", err)
	}
	return a.session(ctx, "mark read", func(c *imapclient.Client) error {
		if err := selectValid(c, mailbox, validity, false); err != nil {
			return err
		}
		return c.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagSeen},
		}, nil).Close()
	})
}

// Delete moves the message to the \Trash mailbox, or expunges it when it
// already is in the trash or the server has none.
func (a *Adapter) Delete(ctx context.Context, providerID string) error {
	mailbox, validity, uid, err := parseMessageID(providerID)
	if err != nil {
		return mailsync.NewError(mailsync.KindNotFound, "parse message id", err)
	}
	return a.session(ctx, "delete message", func(c *imapclient.Client) error {
		trash, err := findTrash(c)
		if err != nil {
			return err
		}
		if err := selectValid(c, mailbox, validity, false); err != nil {
			return err
		}
		set := imap.UIDSetNum(uid)
		if trash != "" && trash != mailbox {
			_, err := c.Move(set, trash).Wait()
			return err
		}
		if err := c.Store(set, &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagDeleted},
		}, nil).Close(); err != nil {
			return err
		}
		return c.Expunge().Close()
	})
}

func findTrash(c *imapclient.Client) (string, error) {
	boxes, err := c.List("", "*", nil).Collect()
	if err != nil {
		return "", err
	}
	for _, mb := range boxes {
		if folderType(mb) == mailsync.FolderTrash {
			return mb.Mailbox, nil
		}
	}
	return "", nil
}

// Move moves the message to folderID. The moved copy gets a new id in
// the target mailbox.
func (a *Adapter) Move(ctx context.Context, providerID, folderID string) error {
	mailbox, validity, uid, err := parseMessageID(providerID)
	if err != nil {
		return mailsync.NewError(mailsync.KindNotFound, "parse message id", err)
	}
	return a.session(ctx, "move message", func(c *imapclient.Client) error {
		if err := selectValid(c, mailbox, validity, false); err != nil {
			return err
		}
		_, err := c.Move(imap.UIDSetNum(uid), folderID).Wait()
		return err
	})
}

// Send submits msg over SMTP and returns its Message-Id.
func (a *Adapter) Send(ctx context.Context, msg mailsync.OutgoingMessage) (string, error) {
	from := msg.From
	if from == "" && strings.Contains(a.cred.Username, "@") {
		from = a.cred.Username
	}
	b, err := compose.Build(msg, from, a.now())
	if err != nil {
		return "", mailsync.NewError(mailsync.KindUnknown, "compose message", err)
	}

	c, stop, err := a.dialSMTP(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", mailsync.Classify("smtp connect", ctx.Err(), mailsync.KindCancelled)
		}
		return "", classify("smtp connect", err)
	}
	defer stop()
	defer c.Close()

	if a.cred.Password != "" {
		if err := c.Auth(sasl.NewPlainClient("", a.cred.Username, a.cred.Password)); err != nil {
			return "", authFailure("smtp auth", err)
		}
	} else if a.cred.AccessToken != "" {
		if err := c.Auth(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: a.cred.Username,
			Token:    a.cred.AccessToken,
		})); err != nil {
			return "", authFailure("smtp auth", err)
		}
	}
	sender := from
	if addr, err := parseAddr(from); err == nil {
		sender = addr
	}
	if err := c.SendMail(sender, b.Recipients, bytes.NewReader(b.Raw)); err != nil {
		if ctx.Err() != nil {
			return "", mailsync.Classify("smtp send", ctx.Err(), mailsync.KindCancelled)
		}
		return "", classify("smtp send", err)
	}
	_ = c.Quit()
	return b.MessageID, nil
}

// dialSMTP connects to the submission server. The connection is closed
// when ctx ends, including during the greeting and STARTTLS exchange;
// the returned stop detaches that hook.
func (a *Adapter) dialSMTP(ctx context.Context) (*smtp.Client, func() bool, error) {
	host := a.cred.SMTPHost
	if host == "" {
		host = a.cred.IMAPHost
	}
	port := a.cred.SMTPPort
	if port == 0 {
		port = 587
		if a.cred.TLS {
			port = 465
		}
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	var c *smtp.Client
	switch {
	case a.opts.Insecure:
		c = smtp.NewClient(conn)
	case a.cred.TLS:
		c = smtp.NewClient(tls.Client(conn, a.tlsConfig(host)))
	default:
		if c, err = smtp.NewClientStartTLS(conn, a.tlsConfig(host)); err != nil {
			stop()
			conn.Close()
			return nil, nil, err
		}
	}
	if dl, ok := ctx.Deadline(); ok {
		c.CommandTimeout = time.Until(dl)
		c.SubmissionTimeout = time.Until(dl)
	}
	return c, stop, nil
}

// normalize converts a fetched message to the canonical envelope.
func normalize(buf *imapclient.FetchMessageBuffer, mailbox string, validity uint32) mailsync.Message {
	m := mailsync.Message{
		ProviderID: messageID(mailbox, validity, buf.UID),
		FolderID:   mailbox,
		Size:       buf.RFC822Size,
	}
	if env := buf.Envelope; env != nil {
		m.Subject = env.Subject
		m.Date = env.Date.UTC()
		m.ThreadID = env.MessageID
		if len(env.From) > 0 {
			m.From = env.From[0].Addr()
		}
		for _, addr := range env.To {
			m.To = append(m.To, addr.Addr())
		}
		for _, addr := range env.Cc {
			m.Cc = append(m.Cc, addr.Addr())
		}
	}
	for _, f := range buf.Flags {
		if f == imap.FlagSeen {
			m.IsRead = true
		}
	}
	if mp, ok := buf.BodyStructure.(*imap.BodyStructureMultiPart); ok && strings.EqualFold(mp.Subtype, "mixed") {
		m.HasAttachments = true
	}
	return m
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if strings.EqualFold(string(a), string(want)) {
			return true
		}
	}
	return false
}

func folderType(mb *imap.ListData) mailsync.FolderType {
	switch {
	case strings.EqualFold(mb.Mailbox, "INBOX"):
		return mailsync.FolderInbox
	case hasAttr(mb.Attrs, imap.MailboxAttrSent):
		return mailsync.FolderSent
	case hasAttr(mb.Attrs, imap.MailboxAttrDrafts):
		return mailsync.FolderDraft
	case hasAttr(mb.Attrs, imap.MailboxAttrTrash):
		return mailsync.FolderTrash
	case hasAttr(mb.Attrs, imap.MailboxAttrArchive):
		return mailsync.FolderArchive
	}
	switch strings.ToLower(displayName(mb)) {
	case "sent", "sent items", "sent messages":
		return mailsync.FolderSent
	case "drafts":
		return mailsync.FolderDraft
	case "trash", "deleted items", "deleted messages":
		return mailsync.FolderTrash
	case "archive", "archives":
		return mailsync.FolderArchive
	}
	return mailsync.FolderCustom
}

func folderRank(t mailsync.FolderType) int {
	switch t {
	case mailsync.FolderInbox:
		return 0
	case mailsync.FolderCustom:
		return 2
	}
	return 1
}

// displayName is the last hierarchy level of the mailbox name.
func displayName(mb *imap.ListData) string {
	if mb.Delim == 0 {
		return mb.Mailbox
	}
	if i := strings.LastIndex(mb.Mailbox, string(mb.Delim)); i >= 0 {
		return mb.Mailbox[i+1:]
	}
	return mb.Mailbox
}

func parseAddr(s string) (string, error) {
	if i := strings.LastIndexByte(s, '<'); i >= 0 {
		if j := strings.IndexByte(s[i:], '>'); j > 0 {
			return s[i+1 : i+j], nil
		}
	}
	if strings.Contains(s, "@") {
		return strings.TrimSpace(s), nil
	}
	return "", fmt.Errorf("no address in %q", s)
}
