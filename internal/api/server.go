// Package api is the HTTP surface of the sync engine.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/mailbox"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// Scheduler is the part of *mailsync.Scheduler the API drives.
type Scheduler interface {
	Trigger(ctx context.Context, accountID string) (mailsync.JobStatus, error)
	Cancel(accountID string) bool
	Status(ctx context.Context, accountID string) (mailsync.JobStatus, error)
	Statuses(ctx context.Context, userID string) ([]mailsync.JobStatus, error)
	Enqueue(ctx context.Context, accountID string) error
	Resync(ctx context.Context, accountID string, full bool) error
	Forget(ctx context.Context, accountID string, drop func(ctx context.Context) error) error
	Stats() mailsync.Stats
}

// Mailbox is the part of *mailbox.Service the API drives.
type Mailbox interface {
	List(ctx context.Context, f mailsync.MessageFilter) ([]mailsync.Message, error)
	Detail(ctx context.Context, accountID, providerID string) (*mailsync.MessageDetail, error)
	Send(ctx context.Context, accountID string, msg mailsync.OutgoingMessage) (string, error)
	MarkRead(ctx context.Context, accountID, providerID string) error
	Delete(ctx context.Context, accountID, providerID string) error
	Move(ctx context.Context, accountID, providerID, folderID string) error
}

// Credentials stores the secret half of an account.
type Credentials interface {
	Put(ctx context.Context, accountID string, cred *mailsync.Credential) error
	Delete(ctx context.Context, accountID string) error
}

// Deps are the collaborators of the server.
type Deps struct {
	Repo        mailsync.Repository
	Scheduler   Scheduler
	Mailbox     Mailbox
	Credentials Credentials
	Verifier    auth.Verifier
	Log         zerolog.Logger
}

// Server routes HTTP requests to the engine.
type Server struct {
	engine *gin.Engine
	repo   mailsync.Repository
	sched  Scheduler
	mail   Mailbox
	creds  Credentials
	log    zerolog.Logger
	now    func() time.Time
}

// New builds the server and its routes.
func New(d Deps) *Server {
	s := &Server{
		engine: gin.New(),
		repo:   d.Repo,
		sched:  d.Scheduler,
		mail:   d.Mailbox,
		creds:  d.Credentials,
		log:    d.Log.With().Str("component", "http").Logger(),
		now:    time.Now,
	}
	// IMAP message ids contain slashes and arrive escaped as %2F.
	s.engine.UseRawPath = true
	s.engine.UnescapePathValues = true
	s.engine.Use(gin.Recovery(), s.requestLog())
	s.routes(d.Verifier)
	return s
}

func (s *Server) routes(v auth.Verifier) {
	r := s.engine
	r.GET("/healthz", s.healthz)

	authorized := r.Group("/")
	authorized.Use(auth.Middleware(v))

	sync := authorized.Group("/sync")
	{
		sync.GET("/status", s.syncStatuses)
		sync.GET("/status/:accountId", s.syncStatus)
		sync.POST("/trigger/:accountId", s.syncTrigger)
		sync.POST("/resync/:accountId", s.syncResync)
		sync.POST("/cancel/:accountId", s.syncCancel)
	}

	accounts := authorized.Group("/accounts")
	{
		accounts.POST("/connect", s.connectAccount)
		accounts.GET("", s.listAccounts)
		accounts.GET("/:accountId", s.getAccount)
		accounts.DELETE("/:accountId", s.deleteAccount)
	}

	messages := authorized.Group("/messages")
	{
		messages.GET("", s.listMessages)
		messages.POST("/send", s.sendMessage)
		messages.GET("/:accountId/:messageId", s.messageDetail)
		messages.POST("/:accountId/:messageId/read", s.markRead)
		messages.POST("/:accountId/:messageId/move", s.moveMessage)
		messages.DELETE("/:accountId/:messageId", s.deleteMessage)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "scheduler": s.sched.Stats()})
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.now()
		c.Next()
		ev := s.log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = s.log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", s.now().Sub(start)).
			Msg("request")
	}
}

// account loads the :accountId account of the caller. Accounts of other
// users are reported as missing.
func (s *Server) account(c *gin.Context, id string) (*mailsync.Account, bool) {
	acct, err := s.repo.GetAccount(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	if acct.UserID != auth.UserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return nil, false
	}
	return acct, true
}

// fail writes err with the status its cause maps to.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, mailsync.ErrNotFound), mailsync.IsKind(err, mailsync.KindNotFound):
		status = http.StatusNotFound
	case errors.Is(err, mailsync.ErrJobRunning):
		status = http.StatusConflict
	case errors.Is(err, mailbox.ErrInvalidMessage), errors.Is(err, errInvalidRequest):
		status = http.StatusBadRequest
	case mailsync.IsKind(err, mailsync.KindRateLimited):
		status = http.StatusTooManyRequests
		if d := mailsync.RetryAfterOf(err); d > 0 {
			c.Header("Retry-After", strconv.Itoa(int((d+time.Second-1)/time.Second)))
		}
	case mailsync.IsKind(err, mailsync.KindAuth), mailsync.IsKind(err, mailsync.KindPermissionDenied):
		// The provider rejected the stored credential, not the caller.
		status = http.StatusBadGateway
	case mailsync.IsKind(err, mailsync.KindTransient):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

var errInvalidRequest = errors.New("invalid request")
