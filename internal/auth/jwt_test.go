package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

var secret = []byte("test-secret-test-secret-test-secret")

func signHS256(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewBuilder().Subject(sub).Expiration(exp).Claim("email", sub+"@example.org").Build()
	if err != nil {
		t.Fatalf("build token: %v", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return string(signed)
}

func request(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestHMACVerifier(t *testing.T) {
	v, err := NewHMACVerifier(secret)
	if err != nil {
		t.Fatalf("NewHMACVerifier: %v", err)
	}

	user, err := v.UserFromRequest(request(signHS256(t, "u1", time.Now().Add(time.Hour))))
	if err != nil {
		t.Fatalf("valid token: %v", err)
	}
	if user.ID != "u1" || user.Email != "u1@example.org" {
		t.Fatalf("user = %+v", user)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"expired", signHS256(t, "u1", time.Now().Add(-time.Hour))},
		{"no subject", signHS256(t, "", time.Now().Add(time.Hour))},
		{"garbage", "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.UserFromRequest(request(tt.token)); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := NewHMACVerifier(nil); err == nil {
		t.Fatal("empty secret accepted")
	}
}

func TestJWKSVerifier(t *testing.T) {
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	priv, err := jwk.FromRaw(raw)
	if err != nil {
		t.Fatalf("jwk.FromRaw: %v", err)
	}
	_ = priv.Set(jwk.KeyIDKey, "k1")
	_ = priv.Set(jwk.AlgorithmKey, jwa.RS256)
	pub, err := jwk.PublicKeyOf(priv)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	set := jwk.NewSet()
	_ = set.AddKey(pub)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	v, err := NewJWTVerifier(ctx, srv.URL)
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}

	tok, _ := jwt.NewBuilder().Subject("u2").Expiration(time.Now().Add(time.Hour)).Build()
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, priv))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	user, err := v.UserFromRequest(request(string(signed)))
	if err != nil || user.ID != "u2" {
		t.Fatalf("UserFromRequest = %+v, %v", user, err)
	}

	// An HS256 token is not accepted by a JWKS verifier.
	if _, err := v.UserFromRequest(request(signHS256(t, "u2", time.Now().Add(time.Hour)))); err == nil {
		t.Fatal("HS256 token accepted")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v, _ := NewHMACVerifier(secret)

	r := gin.New()
	r.Use(Middleware(v))
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})

	tests := []struct {
		name   string
		token  string
		status int
		body   string
	}{
		{"missing header", "", http.StatusUnauthorized, ""},
		{"bad token", "nope", http.StatusUnauthorized, ""},
		{"valid", signHS256(t, "u9", time.Now().Add(time.Hour)), http.StatusOK, "u9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, request(tt.token))
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if tt.body != "" && w.Body.String() != tt.body {
				t.Fatalf("body = %q", w.Body.String())
			}
		})
	}
}
