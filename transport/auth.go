package transport

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/openremote/openremote-sub007/errors"
)

// Authenticator resolves the client id of an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (clientID string, err error)
}

// SecretLookup returns the secret registered for a client id.
type SecretLookup func(clientID string) (secret string, ok bool)

func checkSecret(lookup SecretLookup, clientID, secret string) bool {
	expected, ok := lookup(clientID)
	if !ok || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(expected)) == 1
}

// BasicAuthenticator accepts HTTP basic credentials checked against Lookup.
type BasicAuthenticator struct {
	Lookup SecretLookup
}

// Authenticate implements Authenticator.
func (a BasicAuthenticator) Authenticate(r *http.Request) (string, error) {
	user, pass, ok := r.BasicAuth()
	if !ok || !checkSecret(a.Lookup, user, pass) {
		return "", errors.ErrUnauthorized
	}
	return user, nil
}

type issuedToken struct {
	clientID string
	expires  time.Time
}

// TokenIssuer is a minimal OAuth2 client credentials token endpoint. It
// authenticates requests carrying the tokens it issued, and falls back to
// basic credentials.
type TokenIssuer struct {
	lookup SecretLookup
	ttl    time.Duration
	clock  clock.Clock

	mu     sync.Mutex
	tokens map[string]issuedToken
}

// NewTokenIssuer creates an issuer. A zero ttl defaults to five minutes and a
// nil clock uses wall time.
func NewTokenIssuer(lookup SecretLookup, ttl time.Duration, clk clock.Clock) *TokenIssuer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}
	return &TokenIssuer{lookup: lookup, ttl: ttl, clock: clk, tokens: make(map[string]issuedToken)}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// ServeHTTP handles POST token requests with grant_type=client_credentials.
func (t *TokenIssuer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if r.PostForm.Get("grant_type") != "client_credentials" {
		writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	clientID, secret, ok := r.BasicAuth()
	if !ok {
		clientID, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if !checkSecret(t.lookup, clientID, secret) {
		writeTokenError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	now := t.clock.Now()
	token := uuid.NewString()
	t.mu.Lock()
	for k, v := range t.tokens {
		if now.After(v.expires) {
			delete(t.tokens, k)
		}
	}
	t.tokens[token] = issuedToken{clientID: clientID, expires: now.Add(t.ttl)}
	t.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(t.ttl / time.Second),
	})
}

func writeTokenError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// Authenticate implements Authenticator.
func (t *TokenIssuer) Authenticate(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		t.mu.Lock()
		issued, found := t.tokens[token]
		t.mu.Unlock()
		if !found || t.clock.Now().After(issued.expires) {
			return "", errors.ErrUnauthorized
		}
		// Revoked clients lose access before their token expires.
		if _, ok := t.lookup(issued.clientID); !ok {
			return "", errors.ErrUnauthorized
		}
		return issued.clientID, nil
	}
	return BasicAuthenticator{Lookup: t.lookup}.Authenticate(r)
}
