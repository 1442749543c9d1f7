// Package credential keeps account credentials in the system keyring and
// refreshes OAuth access tokens.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/99designs/keyring"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

const serviceName = "mailsync"

// OAuthClient is one provider's OAuth application.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	// Tenant is the Azure AD tenant; empty means "common".
	Tenant string
	// Endpoint overrides the provider default.
	Endpoint *oauth2.Endpoint
}

// Config selects the keyring backend and the OAuth applications.
type Config struct {
	// Backend is one of auto, file, keychain, secret-service, wincred, pass.
	Backend      string
	FileDir      string
	FilePassword string
	Google       OAuthClient
	Microsoft    OAuthClient
}

// Store implements mailsync.CredentialStore on a keyring.
type Store struct {
	ring  keyring.Keyring
	oauth map[mailsync.ProviderKind]*oauth2.Config
	log   zerolog.Logger

	// mu serializes read-modify-write of one item.
	mu sync.Mutex
}

// Open opens the configured keyring.
func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	backends, err := allowedBackends(cfg.Backend)
	if err != nil {
		return nil, err
	}
	dir := cfg.FileDir
	if dir == "" {
		dir = "~/.config/mailsync/credentials"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:              serviceName,
		AllowedBackends:          backends,
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(cfg.FilePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return New(ring, cfg, log), nil
}

// New wraps an already opened keyring.
func New(ring keyring.Keyring, cfg Config, log zerolog.Logger) *Store {
	s := &Store{
		ring:  ring,
		oauth: make(map[mailsync.ProviderKind]*oauth2.Config),
		log:   log.With().Str("component", "credentials").Logger(),
	}
	if c := cfg.Google; c.ClientID != "" {
		ep := google.Endpoint
		if c.Endpoint != nil {
			ep = *c.Endpoint
		}
		s.oauth[mailsync.ProviderGmail] = &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint:     ep,
			Scopes:       gmail.Scopes,
		}
	}
	if c := cfg.Microsoft; c.ClientID != "" {
		tenant := c.Tenant
		if tenant == "" {
			tenant = "common"
		}
		ep := microsoft.AzureADEndpoint(tenant)
		if c.Endpoint != nil {
			ep = *c.Endpoint
		}
		s.oauth[mailsync.ProviderOutlook] = &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint:     ep,
			Scopes:       outlook.Scopes,
		}
	}
	return s
}

func allowedBackends(name string) ([]keyring.BackendType, error) {
	switch strings.ToLower(name) {
	case "", "auto":
		return []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		}, nil
	case "file":
		return []keyring.BackendType{keyring.FileBackend}, nil
	case "keychain":
		return []keyring.BackendType{keyring.KeychainBackend}, nil
	case "secret-service":
		return []keyring.BackendType{keyring.SecretServiceBackend}, nil
	case "wincred":
		return []keyring.BackendType{keyring.WinCredBackend}, nil
	case "pass":
		return []keyring.BackendType{keyring.PassBackend}, nil
	}
	return nil, fmt.Errorf("unknown keyring backend %q", name)
}

// Ref is the keyring key of an account's credential.
func Ref(accountID string) string {
	return "account:" + accountID
}

// Put stores cred for accountID, replacing any previous value.
func (s *Store) Put(_ context.Context, accountID string, cred *mailsync.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(accountID, cred)
}

func (s *Store) put(accountID string, cred *mailsync.Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshaling credential: %w", err)
	}
	err = s.ring.Set(keyring.Item{
		Key:         Ref(accountID),
		Data:        data,
		Label:       "mailsync " + accountID,
		Description: string(cred.Provider) + " credential",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", accountID, err)
	}
	return nil
}

// GetCredential loads the credential of accountID. A missing credential
// is an auth failure: the account has to be connected again.
func (s *Store) GetCredential(_ context.Context, accountID string) (*mailsync.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(accountID)
}

func (s *Store) get(accountID string) (*mailsync.Credential, error) {
	item, err := s.ring.Get(Ref(accountID))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, mailsync.NewError(mailsync.KindAuth, "get credential", fmt.Errorf("no credential for account %s", accountID))
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", accountID, err)
	}
	var cred mailsync.Credential
	if err := json.Unmarshal(item.Data, &cred); err != nil {
		return nil, fmt.Errorf("decoding credential %q: %w", accountID, err)
	}
	return &cred, nil
}

// Delete removes the credential of accountID. Deleting a missing
// credential is not an error.
func (s *Store) Delete(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.ring.Remove(Ref(accountID))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", accountID, err)
	}
	return nil
}

// Refresh exchanges the stored refresh token for a new access token and
// persists the result. Credentials without a refresh path fail with
// KindAuth. The token exchange runs without the store lock held.
func (s *Store) Refresh(ctx context.Context, accountID string) (*mailsync.Credential, error) {
	s.mu.Lock()
	cred, err := s.get(accountID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	conf := s.oauth[cred.Provider]
	if conf == nil || cred.RefreshToken == "" {
		return nil, mailsync.NewError(mailsync.KindAuth, "refresh credential",
			fmt.Errorf("no refresh path for %s account %s", cred.Provider, accountID))
	}

	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return nil, classifyRefresh(err)
	}
	cred.AccessToken = tok.AccessToken
	cred.TokenType = tok.TokenType
	cred.Expiry = tok.Expiry
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}
	s.mu.Lock()
	err = s.put(accountID, cred)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("account_id", accountID).
		Time("expiry", cred.Expiry).
		Msg("access token refreshed")
	return cred, nil
}

// classifyRefresh maps a token endpoint failure. Rejected grants are
// auth failures; a failing endpoint is transient.
func classifyRefresh(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		switch code := rerr.Response.StatusCode; {
		case code == http.StatusTooManyRequests:
			return mailsync.RateLimited("refresh credential",
				mailsync.ParseRetryAfter(rerr.Response.Header.Get("Retry-After"), time.Now()), err)
		case code >= 500:
			return mailsync.NewError(mailsync.KindTransient, "refresh credential", err)
		default:
			return mailsync.NewError(mailsync.KindAuth, "refresh credential", err)
		}
	}
	return mailsync.Classify("refresh credential", err, mailsync.KindAuth)
}
