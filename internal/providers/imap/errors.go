package imap

import (
	"errors"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-smtp"

	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// classify maps IMAP and SMTP failures to sync error kinds. Tagged NO and
// BAD responses without a known code are unknown; connection failures are
// transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ierr *imap.Error
	if errors.As(err, &ierr) {
		return mailsync.NewError(imapKind(ierr), op, err)
	}
	var serr *smtp.SMTPError
	if errors.As(err, &serr) {
		return mailsync.NewError(smtpKind(serr), op, err)
	}
	return mailsync.Classify(op, err, mailsync.KindTransient)
}

func imapKind(e *imap.Error) mailsync.ErrorKind {
	switch e.Code {
	case imap.ResponseCodeAuthenticationFailed, imap.ResponseCodeAuthorizationFailed, imap.ResponseCodeExpired:
		return mailsync.KindAuth
	case imap.ResponseCodeNonExistent, imap.ResponseCodeTryCreate:
		return mailsync.KindNotFound
	case imap.ResponseCodeNoPerm:
		return mailsync.KindPermissionDenied
	case imap.ResponseCodeLimit:
		return mailsync.KindRateLimited
	case imap.ResponseCodeUnavailable, imap.ResponseCodeServerBug:
		return mailsync.KindTransient
	}
	return mailsync.KindUnknown
}

func smtpKind(e *smtp.SMTPError) mailsync.ErrorKind {
	switch {
	case e.Code == 535 || e.Code == 530:
		return mailsync.KindAuth
	case e.Code == 421 || e.Code == 451 || e.Code == 452:
		return mailsync.KindTransient
	case e.Code == 450:
		return mailsync.KindRateLimited
	case e.Code == 550 || e.Code == 553:
		return mailsync.KindPermissionDenied
	}
	return mailsync.KindUnknown
}

// authFailure classifies a rejected login. Any server reply means the
// credential was refused; only connection failures stay transient.
func authFailure(op string, err error) error {
	var ierr *imap.Error
	var serr *smtp.SMTPError
	if errors.As(err, &ierr) || errors.As(err, &serr) {
		return mailsync.NewError(mailsync.KindAuth, op, err)
	}
	return classify(op, err)
}
