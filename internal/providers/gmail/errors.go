package gmail

import (
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// classify maps a Gmail API failure to a sync error kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return mailsync.NewError(mailsync.KindAuth, op, err)
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return mailsync.Classify(op, err, mailsync.KindUnknown)
	}
	switch {
	case gerr.Code == http.StatusUnauthorized:
		return mailsync.NewError(mailsync.KindAuth, op, err)
	case gerr.Code == http.StatusTooManyRequests:
		return mailsync.RateLimited(op, retryAfter(gerr), err)
	case gerr.Code == http.StatusForbidden:
		if rateLimitReason(gerr) {
			return mailsync.RateLimited(op, retryAfter(gerr), err)
		}
		return mailsync.NewError(mailsync.KindPermissionDenied, op, err)
	case gerr.Code == http.StatusNotFound:
		return mailsync.NewError(mailsync.KindNotFound, op, err)
	case gerr.Code >= 500:
		return mailsync.NewError(mailsync.KindTransient, op, err)
	}
	return mailsync.NewError(mailsync.KindUnknown, op, err)
}

func rateLimitReason(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return false
}

func retryAfter(gerr *googleapi.Error) time.Duration {
	if gerr.Header == nil {
		return 0
	}
	return mailsync.ParseRetryAfter(gerr.Header.Get("Retry-After"), time.Now())
}
