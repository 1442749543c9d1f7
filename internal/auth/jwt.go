package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// User represents an authenticated user from JWT token
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// JWTVerifier verifies bearer tokens either against a cached JWKS or with
// a shared HMAC secret.
type JWTVerifier struct {
	jwksURL    string
	keySet     jwk.Set
	secret     []byte
	refreshTTL time.Duration
	skew       time.Duration
}

// NewJWTVerifier creates a verifier backed by the JWKS at jwksURL. Keys
// are cached and refreshed in the background by the jwk cache, so
// verification does no network I/O once the first fetch succeeded.
func NewJWTVerifier(ctx context.Context, jwksURL string) (*JWTVerifier, error) {
	v := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
		skew:       30 * time.Second,
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	// Warm the cache so a bad URL fails at startup.
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(fetchCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	v.keySet = jwk.NewCachedSet(cache, jwksURL)
	return v, nil
}

// NewHMACVerifier creates a verifier for HS256 tokens signed with secret.
func NewHMACVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty HMAC secret")
	}
	return &JWTVerifier{secret: secret, skew: 30 * time.Second}, nil
}

func (v *JWTVerifier) keyOption() jwt.ParseOption {
	if v.keySet != nil {
		return jwt.WithKeySet(v.keySet)
	}
	return jwt.WithKey(jwa.HS256, v.secret)
}

// UserFromRequest extracts and validates the bearer token of r.
func (v *JWTVerifier) UserFromRequest(r *http.Request) (*User, error) {
	// jwt.ParseRequest reads the Authorization header and strips "Bearer ".
	token, err := jwt.ParseRequest(
		r,
		v.keyOption(),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(v.skew),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	userID := token.Subject()
	if userID == "" {
		return nil, fmt.Errorf("token missing user ID (subject)")
	}

	var email, name string
	if emailClaim, ok := token.Get("email"); ok {
		email, _ = emailClaim.(string)
	}
	if nameClaim, ok := token.Get("name"); ok {
		name, _ = nameClaim.(string)
	}

	return &User{
		ID:    userID,
		Email: email,
		Name:  name,
	}, nil
}
