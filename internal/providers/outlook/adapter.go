package outlook

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// Scopes are the delegated Graph scopes the adapter needs.
var Scopes = []string{"https://graph.microsoft.com/Mail.ReadWrite", "https://graph.microsoft.com/Mail.Send", "offline_access"}

var messageFields = []string{
	"id", "conversationId", "parentFolderId", "subject", "from", "toRecipients",
	"ccRecipients", "bodyPreview", "receivedDateTime", "isRead", "hasAttachments",
}

// Adapter implements MailProvider for Outlook/Microsoft Graph
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
}

// New creates a new Outlook adapter
func New(ctx context.Context, cred *mailsync.Credential) (*Adapter, error) {
	tc := &staticTokenCredential{token: cred.AccessToken, expiry: cred.Expiry}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(tc, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return &Adapter{client: client}, nil
}

// NewWithClient wraps an already configured Graph client.
func NewWithClient(client *msgraphsdk.GraphServiceClient) *Adapter {
	return &Adapter{client: client}
}

// Authenticate reads the signed in user.
func (a *Adapter) Authenticate(ctx context.Context) error {
	_, err := a.client.Me().Get(ctx, nil)
	return classify("get user", err)
}

var folderFields = []string{"id", "displayName", "childFolderCount"}

// ListFolders returns every mail folder, well known folders first. Child
// folders are walked recursively and named by their path.
func (a *Adapter) ListFolders(ctx context.Context) ([]mailsync.Folder, error) {
	cfg := &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{
			Top:    Int32Ptr(100),
			Select: folderFields,
		},
	}
	resp, err := a.client.Me().MailFolders().Get(ctx, cfg)
	top, err := drainFolders(resp, err, func(next string) (models.MailFolderCollectionResponseable, error) {
		return a.client.Me().MailFolders().WithUrl(next).Get(ctx, nil)
	})
	if err != nil {
		return nil, err
	}

	var folders []mailsync.Folder
	for _, f := range top {
		name := deref(f.GetDisplayName())
		folders = append(folders, mailsync.Folder{
			ProviderID: deref(f.GetId()),
			Name:       name,
			Type:       folderType(name),
		})
		if folders, err = a.appendChildren(ctx, folders, f, name); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(folders, func(i, j int) bool {
		return folders[i].Type != mailsync.FolderCustom && folders[j].Type == mailsync.FolderCustom
	})
	return folders, nil
}

// appendChildren appends the subtree below parent. Child folders are
// always custom folders.
func (a *Adapter) appendChildren(ctx context.Context, folders []mailsync.Folder, parent models.MailFolderable, path string) ([]mailsync.Folder, error) {
	if n := parent.GetChildFolderCount(); n == nil || *n == 0 {
		return folders, nil
	}
	children := a.client.Me().MailFolders().ByMailFolderId(deref(parent.GetId())).ChildFolders()
	cfg := &users.ItemMailFoldersItemChildFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemChildFoldersRequestBuilderGetQueryParameters{
			Top:    Int32Ptr(100),
			Select: folderFields,
		},
	}
	resp, err := children.Get(ctx, cfg)
	list, err := drainFolders(resp, err, func(next string) (models.MailFolderCollectionResponseable, error) {
		return children.WithUrl(next).Get(ctx, nil)
	})
	if err != nil {
		return nil, err
	}
	for _, c := range list {
		name := path + "/" + deref(c.GetDisplayName())
		folders = append(folders, mailsync.Folder{
			ProviderID: deref(c.GetId()),
			Name:       name,
			Type:       mailsync.FolderCustom,
		})
		if folders, err = a.appendChildren(ctx, folders, c, name); err != nil {
			return nil, err
		}
	}
	return folders, nil
}

// drainFolders follows the nextLinks of a folder collection starting at
// the first response and its error.
func drainFolders(
	resp models.MailFolderCollectionResponseable,
	err error,
	next func(link string) (models.MailFolderCollectionResponseable, error),
) ([]models.MailFolderable, error) {
	var out []models.MailFolderable
	for {
		if err != nil {
			return nil, classify("list folders", err)
		}
		out = append(out, resp.GetValue()...)
		link := resp.GetOdataNextLink()
		if link == nil || *link == "" {
			return out, nil
		}
		resp, err = next(*link)
	}
}

// ListMessages pulls one page of the folder's delta feed. A full listing
// and an incremental pull both go through delta; Since is the deltaLink
// of the previous pull and PageToken a nextLink.
func (a *Adapter) ListMessages(ctx context.Context, req mailsync.ListRequest) (*mailsync.Page, error) {
	builder := a.client.Me().MailFolders().ByMailFolderId(req.FolderID).Messages().Delta()
	cfg := &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
		Headers: abstractions.NewRequestHeaders(),
	}
	if req.Limit > 0 {
		cfg.Headers.Add("Prefer", fmt.Sprintf("odata.maxpagesize=%d", req.Limit))
	}
	switch {
	case req.PageToken != "":
		builder = builder.WithUrl(req.PageToken)
	case req.Since != "":
		builder = builder.WithUrl(req.Since)
	default:
		cfg.QueryParameters = &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
			Select: messageFields,
		}
	}

	resp, err := builder.GetAsDeltaGetResponse(ctx, cfg)
	if err != nil {
		return nil, classify("messages delta", err)
	}

	page := &mailsync.Page{}
	for _, m := range resp.GetValue() {
		if _, removed := m.GetAdditionalData()["@removed"]; removed {
			if id := m.GetId(); id != nil {
				page.Removed = append(page.Removed, *id)
			}
			continue
		}
		page.Messages = append(page.Messages, normalize(m, req.FolderID))
	}
	if next := resp.GetOdataNextLink(); next != nil && *next != "" {
		page.NextPageToken = *next
	} else {
		page.Cursor = deref(resp.GetOdataDeltaLink())
	}
	return page, nil
}

// FetchMessageDetail fetches the body and attachment list.
func (a *Adapter) FetchMessageDetail(ctx context.Context, providerID string) (*mailsync.MessageDetail, error) {
	item := a.client.Me().Messages().ByMessageId(providerID)
	cfg := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: append([]string{"body"}, messageFields...),
		},
	}
	m, err := item.Get(ctx, cfg)
	if err != nil {
		return nil, classify("get message "+providerID, err)
	}
	d := &mailsync.MessageDetail{Message: normalize(m, ""), Attachments: []mailsync.Attachment{}}
	if body := m.GetBody(); body != nil {
		content := deref(body.GetContent())
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			d.HTMLBody = content
		} else {
			d.TextBody = content
		}
	}
	if d.HasAttachments {
		atts, err := item.Attachments().Get(ctx, nil)
		if err != nil {
			return nil, classify("list attachments", err)
		}
		for _, att := range atts.GetValue() {
			var size int64
			if s := att.GetSize(); s != nil {
				size = int64(*s)
			}
			d.Attachments = append(d.Attachments, mailsync.Attachment{
				ID:       deref(att.GetId()),
				Filename: deref(att.GetName()),
				MIMEType: deref(att.GetContentType()),
				Size:     size,
			})
		}
	}
	return d, nil
}

// Send creates a draft and sends it, returning the draft id.
func (a *Adapter) Send(ctx context.Context, msg mailsync.OutgoingMessage) (string, error) {
	if len(msg.To)+len(msg.Cc) == 0 {
		return "", mailsync.NewError(mailsync.KindUnknown, "send message", fmt.Errorf("message has no recipients"))
	}
	draft := models.NewMessage()
	draft.SetSubject(&msg.Subject)
	body := models.NewItemBody()
	content, ct := msg.Body, models.TEXT_BODYTYPE
	if msg.HTML != "" {
		content, ct = msg.HTML, models.HTML_BODYTYPE
	}
	body.SetContent(&content)
	body.SetContentType(&ct)
	draft.SetBody(body)
	draft.SetToRecipients(recipients(msg.To))
	if len(msg.Cc) > 0 {
		draft.SetCcRecipients(recipients(msg.Cc))
	}

	created, err := a.client.Me().Messages().Post(ctx, draft, nil)
	if err != nil {
		return "", classify("create draft", err)
	}
	id := deref(created.GetId())
	if err := a.client.Me().Messages().ByMessageId(id).Send().Post(ctx, nil); err != nil {
		return "", classify("send draft", err)
	}
	return id, nil
}

// MarkRead sets isRead.
func (a *Adapter) MarkRead(ctx context.Context, providerID string) error {
	patch := models.NewMessage()
	read := true
	patch.SetIsRead(&read)
	_, err := a.client.Me().Messages().ByMessageId(providerID).Patch(ctx, patch, nil)
	return classify("mark read", err)
}

// Delete moves the message to Deleted Items.
func (a *Adapter) Delete(ctx context.Context, providerID string) error {
	return a.move(ctx, "delete message", providerID, "deleteditems")
}

// Move moves the message to folderID. Graph assigns the moved message a
// new id, which the next delta pull reports.
func (a *Adapter) Move(ctx context.Context, providerID, folderID string) error {
	return a.move(ctx, "move message", providerID, folderID)
}

func (a *Adapter) move(ctx context.Context, op, providerID, folderID string) error {
	body := users.NewItemMessagesItemMovePostRequestBody()
	body.SetDestinationId(&folderID)
	_, err := a.client.Me().Messages().ByMessageId(providerID).Move().Post(ctx, body, nil)
	return classify(op, err)
}

// normalize converts an Outlook message to the canonical envelope
func normalize(m models.Messageable, listed string) mailsync.Message {
	msg := mailsync.Message{
		ProviderID: deref(m.GetId()),
		ThreadID:   deref(m.GetConversationId()),
		FolderID:   deref(m.GetParentFolderId()),
		Subject:    deref(m.GetSubject()),
		Snippet:    deref(m.GetBodyPreview()),
	}
	if msg.FolderID == "" {
		msg.FolderID = listed
	}
	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			msg.From = deref(emailAddr.GetAddress())
		}
	}
	if to := m.GetToRecipients(); to != nil {
		msg.To = extractAddresses(to)
	}
	if cc := m.GetCcRecipients(); cc != nil {
		msg.Cc = extractAddresses(cc)
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.Date = rcvd.UTC()
	}
	if read := m.GetIsRead(); read != nil {
		msg.IsRead = *read
	}
	if att := m.GetHasAttachments(); att != nil {
		msg.HasAttachments = *att
	}
	return msg
}

// extractAddresses extracts email addresses from recipients
func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

func recipients(addrs []string) []models.Recipientable {
	out := make([]models.Recipientable, 0, len(addrs))
	for _, addr := range addrs {
		addr := addr
		ea := models.NewEmailAddress()
		ea.SetAddress(&addr)
		r := models.NewRecipient()
		r.SetEmailAddress(ea)
		out = append(out, r)
	}
	return out
}

func folderType(displayName string) mailsync.FolderType {
	switch strings.ToLower(displayName) {
	case "inbox":
		return mailsync.FolderInbox
	case "sent items":
		return mailsync.FolderSent
	case "drafts":
		return mailsync.FolderDraft
	case "deleted items":
		return mailsync.FolderTrash
	case "archive":
		return mailsync.FolderArchive
	}
	return mailsync.FolderCustom
}

// staticTokenCredential implements Azure credential interface
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	exp := c.expiry
	if exp.IsZero() {
		exp = time.Now().Add(1 * time.Hour)
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: exp}, nil
}

// Int32Ptr returns a pointer to an int32
func Int32Ptr(i int32) *int32 {
	return &i
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
