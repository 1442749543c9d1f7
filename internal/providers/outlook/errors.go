package outlook

import (
	"errors"
	"net/http"
	"strings"
	"time"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"

	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// Graph error codes that mean a delta link can no longer be used.
var syncStateCodes = []string{"syncStateNotFound", "syncStateInvalid", "resyncRequired"}

// classify maps a Graph failure to a sync error kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var status int
	var headers *abstractions.ResponseHeaders
	var code string

	var oerr *odataerrors.ODataError
	var aerr *abstractions.ApiError
	switch {
	case errors.As(err, &oerr):
		status, headers = oerr.ResponseStatusCode, oerr.ResponseHeaders
		if main := oerr.GetErrorEscaped(); main != nil && main.GetCode() != nil {
			code = *main.GetCode()
		}
	case errors.As(err, &aerr):
		status, headers = aerr.ResponseStatusCode, aerr.ResponseHeaders
	default:
		return mailsync.Classify(op, err, mailsync.KindUnknown)
	}

	for _, c := range syncStateCodes {
		if strings.EqualFold(code, c) {
			return mailsync.NewError(mailsync.KindCursorInvalid, op, err)
		}
	}
	switch {
	case status == http.StatusUnauthorized:
		return mailsync.NewError(mailsync.KindAuth, op, err)
	case status == http.StatusTooManyRequests:
		return mailsync.RateLimited(op, retryAfter(headers), err)
	case status == http.StatusForbidden:
		return mailsync.NewError(mailsync.KindPermissionDenied, op, err)
	case status == http.StatusNotFound:
		return mailsync.NewError(mailsync.KindNotFound, op, err)
	case status == http.StatusGone:
		return mailsync.NewError(mailsync.KindCursorInvalid, op, err)
	case status == http.StatusServiceUnavailable:
		if d := retryAfter(headers); d > 0 {
			return mailsync.RateLimited(op, d, err)
		}
		return mailsync.NewError(mailsync.KindTransient, op, err)
	case status >= 500:
		return mailsync.NewError(mailsync.KindTransient, op, err)
	}
	return mailsync.NewError(mailsync.KindUnknown, op, err)
}

func retryAfter(h *abstractions.ResponseHeaders) time.Duration {
	if h == nil {
		return 0
	}
	for _, key := range []string{"retry-after", "Retry-After"} {
		if v := h.Get(key); len(v) > 0 {
			return mailsync.ParseRetryAfter(v[0], time.Now())
		}
	}
	return 0
}
