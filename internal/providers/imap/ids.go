package imap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
)

// A message id is "<mailbox>/<uidvalidity>/<uid>". The mailbox name may
// itself contain the hierarchy delimiter, so ids are split from the right.

func messageID(mailbox string, validity uint32, uid imap.UID) string {
	return fmt.Sprintf("%s/%d/%d", mailbox, validity, uid)
}

func parseMessageID(id string) (mailbox string, validity uint32, uid imap.UID, err error) {
	i := strings.LastIndexByte(id, '/')
	if i <= 0 {
		return "", 0, 0, fmt.Errorf("malformed message id %q", id)
	}
	j := strings.LastIndexByte(id[:i], '/')
	if j <= 0 {
		return "", 0, 0, fmt.Errorf("malformed message id %q", id)
	}
	v, err := strconv.ParseUint(id[j+1:i], 10, 32)
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed uidvalidity in %q: %w", id, err)
	}
	u, err := strconv.ParseUint(id[i+1:], 10, 32)
	if err != nil || u == 0 {
		return "", 0, 0, fmt.Errorf("malformed uid in %q", id)
	}
	return id[:j], uint32(v), imap.UID(u), nil
}

// cursor is the delta state of one mailbox: "<uidvalidity>:<last uid>"
// with an optional ":<highest modseq>" when the server has CONDSTORE.
type cursor struct {
	validity uint32
	lastUID  imap.UID
	modSeq   uint64
}

func (c cursor) String() string {
	s := fmt.Sprintf("%d:%d", c.validity, c.lastUID)
	if c.modSeq > 0 {
		s += ":" + strconv.FormatUint(c.modSeq, 10)
	}
	return s
}

func parseCursor(s string) (cursor, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return cursor{}, fmt.Errorf("malformed cursor %q", s)
	}
	v, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return cursor{}, fmt.Errorf("malformed cursor %q: %w", s, err)
	}
	u, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return cursor{}, fmt.Errorf("malformed cursor %q: %w", s, err)
	}
	c := cursor{validity: uint32(v), lastUID: imap.UID(u)}
	if len(parts) == 3 {
		if c.modSeq, err = strconv.ParseUint(parts[2], 10, 64); err != nil {
			return cursor{}, fmt.Errorf("malformed cursor %q: %w", s, err)
		}
	}
	return c, nil
}

// Page tokens are "<uidvalidity>:<next uid>".

func pageToken(validity uint32, next imap.UID) string {
	return fmt.Sprintf("%d:%d", validity, next)
}

func parsePageToken(s string) (uint32, imap.UID, error) {
	c, err := parseCursor(s)
	if err != nil || c.modSeq != 0 || c.lastUID == 0 {
		return 0, 0, fmt.Errorf("malformed page token %q", s)
	}
	return c.validity, c.lastUID, nil
}
