// Package compose builds outgoing RFC 5322 messages and parses fetched
// ones. Gmail raw sends and SMTP submission share the builder.
package compose

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// ErrNoRecipients is returned for a message without To or Cc addresses.
var ErrNoRecipients = errors.New("message has no recipients")

// Built is an encoded outgoing message.
type Built struct {
	Raw       []byte
	MessageID string
	// Recipients are the bare envelope addresses.
	Recipients []string
}

// Build encodes msg. from is used when msg.From is empty. A message with
// both a text and an HTML body becomes multipart/alternative.
func Build(msg mailsync.OutgoingMessage, from string, now time.Time) (*Built, error) {
	if msg.From != "" {
		from = msg.From
	}
	sender, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parsing from address %q: %w", from, err)
	}
	to, err := parseList(msg.To)
	if err != nil {
		return nil, err
	}
	cc, err := parseList(msg.Cc)
	if err != nil {
		return nil, err
	}
	if len(to)+len(cc) == 0 {
		return nil, ErrNoRecipients
	}

	domain := "localhost"
	if at := strings.LastIndex(sender.Address, "@"); at >= 0 {
		domain = sender.Address[at+1:]
	}
	id := uuid.NewString() + "@" + domain

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{sender})
	h.SetAddressList("To", to)
	if len(cc) > 0 {
		h.SetAddressList("Cc", cc)
	}
	h.SetSubject(msg.Subject)
	h.Set("Message-Id", "<"+id+">")

	var buf bytes.Buffer
	switch {
	case msg.HTML == "":
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("creating message writer: %w", err)
		}
		if _, err := io.WriteString(w, msg.Body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		w, err := mail.CreateInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("creating message writer: %w", err)
		}
		if err := writePart(w, "text/plain", msg.Body); err != nil {
			return nil, err
		}
		if err := writePart(w, "text/html", msg.HTML); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}

	b := &Built{Raw: buf.Bytes(), MessageID: id}
	for _, a := range append(to, cc...) {
		b.Recipients = append(b.Recipients, a.Address)
	}
	return b, nil
}

func writePart(w *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := w.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("creating %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return err
	}
	return pw.Close()
}

func parseList(addrs []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("parsing address %q: %w", a, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}

// Parsed is the readable content of a fetched message.
type Parsed struct {
	Subject     string
	From        string
	To          []string
	Cc          []string
	Date        time.Time
	TextBody    string
	HTMLBody    string
	Attachments []mailsync.Attachment
}

// Parse extracts headers, bodies and attachment metadata from raw. A
// message go-message cannot read is returned as a plain text body.
func Parse(raw []byte) *Parsed {
	p := &Parsed{}
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		p.TextBody = string(raw)
		return p
	}
	defer mr.Close()

	p.Subject, _ = mr.Header.Subject()
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		p.From = from[0].Address
	}
	p.To = addresses(mr.Header, "To")
	p.Cc = addresses(mr.Header, "Cc")
	p.Date, _ = mr.Header.Date()

	n := 0
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/html"):
				p.HTMLBody += string(body)
			case strings.HasPrefix(contentType, "text/plain"), contentType == "":
				p.TextBody += string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			size, _ := io.Copy(io.Discard, part.Body)
			n++
			p.Attachments = append(p.Attachments, mailsync.Attachment{
				ID:       strconv.Itoa(n),
				Filename: filename,
				MIMEType: contentType,
				Size:     size,
			})
		}
	}
	return p
}

func addresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}
