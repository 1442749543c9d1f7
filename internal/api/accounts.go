package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/credential"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

type connectRequest struct {
	Provider    mailsync.ProviderKind `json:"provider" binding:"required"`
	Email       string                `json:"email" binding:"required"`
	DisplayName string                `json:"display_name" binding:"required"`
	Credentials mailsync.Credential   `json:"credentials"`
}

func (r *connectRequest) validate() error {
	if !r.Provider.Valid() {
		return fmt.Errorf("unsupported provider %q: %w", r.Provider, errInvalidRequest)
	}
	if !strings.Contains(r.Email, "@") {
		return fmt.Errorf("malformed email %q: %w", r.Email, errInvalidRequest)
	}
	cred := r.Credentials
	switch r.Provider {
	case mailsync.ProviderIMAP:
		if cred.IMAPHost == "" || (cred.Password == "" && cred.AccessToken == "") {
			return fmt.Errorf("imap accounts need imap_host and a password or access token: %w", errInvalidRequest)
		}
	default:
		if cred.AccessToken == "" && cred.RefreshToken == "" {
			return fmt.Errorf("%s accounts need an access or refresh token: %w", r.Provider, errInvalidRequest)
		}
	}
	return nil
}

// connectAccount stores the credential and creates the account due for
// its first sync.
func (s *Server) connectAccount(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.validate(); err != nil {
		s.fail(c, err)
		return
	}
	ctx := c.Request.Context()

	cred := req.Credentials
	cred.Provider = req.Provider
	if req.Provider == mailsync.ProviderIMAP && cred.Username == "" {
		cred.Username = req.Email
	}

	id := uuid.NewString()
	if err := s.creds.Put(ctx, id, &cred); err != nil {
		s.fail(c, err)
		return
	}
	acct := mailsync.Account{
		ID:            id,
		UserID:        auth.UserID(c),
		Provider:      req.Provider,
		Email:         req.Email,
		DisplayName:   req.DisplayName,
		CredentialRef: credential.Ref(id),
		State:         mailsync.StateIdle,
		Status:        mailsync.StatusConnected,
		NextSync:      s.now(),
	}
	if err := s.repo.CreateAccount(ctx, acct); err != nil {
		_ = s.creds.Delete(ctx, id)
		s.fail(c, err)
		return
	}
	s.log.Info().Str("account_id", id).Str("provider", string(req.Provider)).Msg("account connected")

	created, err := s.repo.GetAccount(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) listAccounts(c *gin.Context) {
	accts, err := s.repo.ListAccounts(c.Request.Context(), auth.UserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, accts)
}

func (s *Server) getAccount(c *gin.Context) {
	acct, ok := s.account(c, c.Param("accountId"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, acct)
}

// deleteAccount cancels any running job and removes the account with all
// its synced data and its credential.
func (s *Server) deleteAccount(c *gin.Context) {
	acct, ok := s.account(c, c.Param("accountId"))
	if !ok {
		return
	}
	ctx := c.Request.Context()
	err := s.sched.Forget(ctx, acct.ID, func(ctx context.Context) error {
		return s.repo.DeleteAccount(ctx, acct.ID)
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.creds.Delete(ctx, acct.ID); err != nil {
		s.log.Warn().Err(err).Str("account_id", acct.ID).Msg("error deleting credential")
	}
	s.log.Info().Str("account_id", acct.ID).Msg("account deleted")
	c.JSON(http.StatusOK, gin.H{"success": true})
}
