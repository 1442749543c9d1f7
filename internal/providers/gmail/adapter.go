package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/providers/compose"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

const user = "me"

// Scopes are the OAuth scopes the adapter needs.
var Scopes = []string{gmail.GmailModifyScope, gmail.GmailSendScope}

// containerLabels are the system labels exposed as folders, in the order
// used to pick a message's primary folder.
var containerLabels = []string{"INBOX", "SENT", "DRAFT", "TRASH", "SPAM"}

// Archive is the folder of messages without a container or user label.
// Gmail has no such label; the adapter lists it with a search query.
const Archive = "ARCHIVE"

const archiveQuery = "-in:inbox -in:sent -in:drafts -in:trash -in:spam has:nouserlabels"

var metadataHeaders = []string{"Subject", "From", "To", "Cc", "Date"}

// Adapter implements MailProvider for Gmail
type Adapter struct {
	svc   *gmail.Service
	email string
	now   func() time.Time
}

// New creates a Gmail adapter authenticated with the access token of
// cred. The token is used as is; refreshing is the credential store's job.
func New(ctx context.Context, cred *mailsync.Credential, opts ...option.ClientOption) (*Adapter, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cred.AccessToken,
		TokenType:   cred.TokenType,
		Expiry:      cred.Expiry,
	})
	opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Adapter{svc: svc, now: time.Now}, nil
}

// Authenticate checks the token by reading the mailbox profile.
func (a *Adapter) Authenticate(ctx context.Context) error {
	p, err := a.svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return classify("get profile", err)
	}
	a.email = p.EmailAddress
	return nil
}

// ListFolders returns the container system labels and Archive followed by
// user labels sorted by name.
func (a *Adapter) ListFolders(ctx context.Context) ([]mailsync.Folder, error) {
	resp, err := a.svc.Users.Labels.List(user).Context(ctx).Do()
	if err != nil {
		return nil, classify("list labels", err)
	}
	var system, custom []mailsync.Folder
	for _, l := range resp.Labels {
		switch {
		case l.Type == "user":
			custom = append(custom, mailsync.Folder{ProviderID: l.Id, Name: l.Name, Type: mailsync.FolderCustom})
		case isContainer(l.Id):
			system = append(system, mailsync.Folder{ProviderID: l.Id, Name: labelName(l), Type: folderType(l.Id)})
		}
	}
	sort.Slice(system, func(i, j int) bool {
		return containerRank(system[i].ProviderID) < containerRank(system[j].ProviderID)
	})
	sort.Slice(custom, func(i, j int) bool { return custom[i].Name < custom[j].Name })
	system = append(system, mailsync.Folder{ProviderID: Archive, Name: "Archive", Type: mailsync.FolderArchive})
	return append(system, custom...), nil
}

// ListMessages lists a label. Without req.Since it pages through
// messages.list; the page token carries the history id captured on the
// first page, which becomes the delta cursor. With req.Since it reads the
// history feed of the label.
func (a *Adapter) ListMessages(ctx context.Context, req mailsync.ListRequest) (*mailsync.Page, error) {
	if req.Since != "" {
		return a.listHistory(ctx, req)
	}
	return a.listAll(ctx, req)
}

func (a *Adapter) listAll(ctx context.Context, req mailsync.ListRequest) (*mailsync.Page, error) {
	historyID, pageToken, err := splitPageToken(req.PageToken)
	if err != nil {
		return nil, err
	}
	if historyID == 0 {
		p, err := a.svc.Users.GetProfile(user).Context(ctx).Do()
		if err != nil {
			return nil, classify("get profile", err)
		}
		historyID = p.HistoryId
	}

	call := a.svc.Users.Messages.List(user).Context(ctx)
	if req.FolderID == Archive {
		call = call.Q(archiveQuery)
	} else {
		call = call.LabelIds(req.FolderID).IncludeSpamTrash(true)
	}
	if req.Limit > 0 {
		call = call.MaxResults(int64(req.Limit))
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, classify("list messages", err)
	}

	page := &mailsync.Page{}
	for _, ref := range resp.Messages {
		m, err := a.metadata(ctx, ref.Id, req.FolderID)
		if mailsync.IsKind(err, mailsync.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		page.Messages = append(page.Messages, *m)
	}
	if resp.NextPageToken != "" {
		page.NextPageToken = joinPageToken(historyID, resp.NextPageToken)
	} else {
		page.Cursor = strconv.FormatUint(historyID, 10)
	}
	return page, nil
}

func (a *Adapter) listHistory(ctx context.Context, req mailsync.ListRequest) (*mailsync.Page, error) {
	start, err := strconv.ParseUint(req.Since, 10, 64)
	if err != nil {
		return nil, mailsync.NewError(mailsync.KindCursorInvalid, "parse history id", err)
	}
	// Archive has no label to filter on; its pull reads the whole feed
	// and keeps the messages that end up archived.
	call := a.svc.Users.History.List(user).
		StartHistoryId(start).
		HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved").
		Context(ctx)
	if req.FolderID != Archive {
		call = call.LabelId(req.FolderID)
	}
	if req.Limit > 0 {
		call = call.MaxResults(int64(req.Limit))
	}
	if req.PageToken != "" {
		call = call.PageToken(req.PageToken)
	}
	resp, err := call.Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, mailsync.NewError(mailsync.KindCursorInvalid, "list history", err)
		}
		return nil, classify("list history", err)
	}

	changed := make(map[string]bool)
	var order []string
	deleted := make(map[string]bool)
	touch := func(m *gmail.Message) {
		if m == nil || changed[m.Id] {
			return
		}
		changed[m.Id] = true
		order = append(order, m.Id)
	}
	for _, h := range resp.History {
		for _, r := range h.MessagesAdded {
			touch(r.Message)
		}
		for _, r := range h.LabelsAdded {
			touch(r.Message)
		}
		for _, r := range h.LabelsRemoved {
			touch(r.Message)
		}
		for _, r := range h.MessagesDeleted {
			if r.Message != nil {
				deleted[r.Message.Id] = true
			}
		}
	}

	page := &mailsync.Page{}
	for _, id := range order {
		if deleted[id] {
			continue
		}
		m, err := a.metadata(ctx, id, req.FolderID)
		if mailsync.IsKind(err, mailsync.KindNotFound) {
			deleted[id] = true
			continue
		}
		if err != nil {
			return nil, err
		}
		if req.FolderID == Archive && m.FolderID != Archive {
			continue
		}
		page.Messages = append(page.Messages, *m)
	}
	for id := range deleted {
		page.Removed = append(page.Removed, id)
	}
	sort.Strings(page.Removed)

	if resp.NextPageToken != "" {
		page.NextPageToken = resp.NextPageToken
	} else {
		page.Cursor = strconv.FormatUint(max(resp.HistoryId, start), 10)
	}
	return page, nil
}

func (a *Adapter) metadata(ctx context.Context, id, listed string) (*mailsync.Message, error) {
	m, err := a.svc.Users.Messages.Get(user, id).
		Format("metadata").
		MetadataHeaders(metadataHeaders...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify("get message "+id, err)
	}
	msg := normalize(m, listed)
	return &msg, nil
}

// FetchMessageDetail fetches the full message and decodes its parts.
func (a *Adapter) FetchMessageDetail(ctx context.Context, providerID string) (*mailsync.MessageDetail, error) {
	m, err := a.svc.Users.Messages.Get(user, providerID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classify("get message "+providerID, err)
	}
	d := &mailsync.MessageDetail{Message: normalize(m, "")}
	walkParts(m.Payload, d)
	d.HasAttachments = len(d.Attachments) > 0
	if d.Attachments == nil {
		d.Attachments = []mailsync.Attachment{}
	}
	return d, nil
}

func walkParts(p *gmail.MessagePart, d *mailsync.MessageDetail) {
	if p == nil {
		return
	}
	if p.Filename != "" && p.Body != nil {
		d.Attachments = append(d.Attachments, mailsync.Attachment{
			ID:       p.Body.AttachmentId,
			Filename: p.Filename,
			MIMEType: p.MimeType,
			Size:     p.Body.Size,
		})
	} else if p.Body != nil && p.Body.Data != "" {
		data, err := base64.URLEncoding.DecodeString(p.Body.Data)
		if err != nil {
			data, _ = base64.RawURLEncoding.DecodeString(p.Body.Data)
		}
		switch {
		case strings.HasPrefix(p.MimeType, "text/html"):
			d.HTMLBody += string(data)
		case strings.HasPrefix(p.MimeType, "text/plain"):
			d.TextBody += string(data)
		}
	}
	for _, child := range p.Parts {
		walkParts(child, d)
	}
}

// Send submits msg as a raw RFC 5322 message.
func (a *Adapter) Send(ctx context.Context, msg mailsync.OutgoingMessage) (string, error) {
	b, err := compose.Build(msg, a.email, a.now())
	if err != nil {
		return "", mailsync.NewError(mailsync.KindUnknown, "compose message", err)
	}
	sent, err := a.svc.Users.Messages.Send(user, &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(b.Raw),
	}).Context(ctx).Do()
	if err != nil {
		return "", classify("send message", err)
	}
	return sent.Id, nil
}

// MarkRead removes the UNREAD label.
func (a *Adapter) MarkRead(ctx context.Context, providerID string) error {
	_, err := a.svc.Users.Messages.Modify(user, providerID, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}).Context(ctx).Do()
	return classify("mark read", err)
}

// Delete moves the message to the trash.
func (a *Adapter) Delete(ctx context.Context, providerID string) error {
	_, err := a.svc.Users.Messages.Trash(user, providerID).Context(ctx).Do()
	return classify("trash message", err)
}

// Move adds folderID and removes the other folder labels. Moving to
// Archive only removes labels.
func (a *Adapter) Move(ctx context.Context, providerID, folderID string) error {
	m, err := a.svc.Users.Messages.Get(user, providerID).Format("minimal").Context(ctx).Do()
	if err != nil {
		return classify("get message "+providerID, err)
	}
	req := &gmail.ModifyMessageRequest{}
	if folderID != Archive {
		req.AddLabelIds = []string{folderID}
	}
	for _, l := range m.LabelIds {
		if l != folderID && (isContainer(l) || strings.HasPrefix(l, "Label_")) {
			req.RemoveLabelIds = append(req.RemoveLabelIds, l)
		}
	}
	_, err = a.svc.Users.Messages.Modify(user, providerID, req).Context(ctx).Do()
	return classify("move message", err)
}

// normalize converts a Gmail message to the canonical envelope. listed is
// the label being listed.
func normalize(m *gmail.Message, listed string) mailsync.Message {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}
	msg := mailsync.Message{
		ProviderID: m.Id,
		ThreadID:   m.ThreadId,
		FolderID:   primaryFolder(m.LabelIds, listed),
		Subject:    headers["Subject"],
		From:       headers["From"],
		To:         splitAddrs(headers["To"]),
		Cc:         splitAddrs(headers["Cc"]),
		Snippet:    m.Snippet,
		IsRead:     true,
		Size:       m.SizeEstimate,
	}
	if m.InternalDate > 0 {
		msg.Date = time.UnixMilli(m.InternalDate).UTC()
	}
	for _, l := range m.LabelIds {
		if l == "UNREAD" {
			msg.IsRead = false
		}
	}
	if m.Payload != nil && strings.HasPrefix(m.Payload.MimeType, "multipart/mixed") {
		msg.HasAttachments = true
	}
	return msg
}

// primaryFolder picks one stable folder for a message carrying several
// labels: the first container label, else the first user label, else
// the label it was listed under if it still carries it. A message left
// with none of these is archived.
func primaryFolder(labels []string, listed string) string {
	for _, c := range containerLabels {
		for _, l := range labels {
			if l == c {
				return c
			}
		}
	}
	var user []string
	for _, l := range labels {
		if strings.HasPrefix(l, "Label_") {
			user = append(user, l)
		}
	}
	if len(user) > 0 {
		sort.Strings(user)
		return user[0]
	}
	for _, l := range labels {
		if l == listed {
			return listed
		}
	}
	return Archive
}

func isContainer(id string) bool {
	return containerRank(id) < len(containerLabels)
}

func containerRank(id string) int {
	for i, c := range containerLabels {
		if c == id {
			return i
		}
	}
	return len(containerLabels)
}

func folderType(id string) mailsync.FolderType {
	switch id {
	case "INBOX":
		return mailsync.FolderInbox
	case "SENT":
		return mailsync.FolderSent
	case "DRAFT":
		return mailsync.FolderDraft
	case "TRASH":
		return mailsync.FolderTrash
	case Archive:
		return mailsync.FolderArchive
	}
	return mailsync.FolderCustom
}

func labelName(l *gmail.Label) string {
	if l.Name != "" && l.Name != l.Id {
		return l.Name
	}
	return strings.ToUpper(l.Id[:1]) + strings.ToLower(l.Id[1:])
}

// splitAddrs parses comma-separated email addresses
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// Backfill page tokens are "<history id>:<gmail page token>".

func joinPageToken(historyID uint64, token string) string {
	return strconv.FormatUint(historyID, 10) + ":" + token
}

func splitPageToken(tok string) (uint64, string, error) {
	if tok == "" {
		return 0, "", nil
	}
	id, rest, ok := strings.Cut(tok, ":")
	if !ok {
		return 0, "", mailsync.NewError(mailsync.KindCursorInvalid, "parse page token", fmt.Errorf("malformed page token %q", tok))
	}
	h, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, "", mailsync.NewError(mailsync.KindCursorInvalid, "parse page token", err)
	}
	return h, rest, nil
}
