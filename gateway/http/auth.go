package http

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/openremote/openremote-sub007/errors"
)

// Identity is the authenticated caller of a REST request.
type Identity struct {
	Subject   string `json:"subject" yaml:"subject"`
	Realm     string `json:"realm" yaml:"realm"`
	SuperUser bool   `json:"superUser" yaml:"superUser"`
}

// CanAccess reports whether the caller may act on realm. Super users may
// act on every realm, everybody else only on the realm they authenticated
// against.
func (i Identity) CanAccess(realm string) bool {
	return i.SuperUser || (realm != "" && i.Realm == realm)
}

// IdentityResolver authenticates a request.
type IdentityResolver interface {
	Resolve(r *http.Request) (Identity, error)
}

// AdminToken binds a static bearer token to an identity.
type AdminToken struct {
	Token string `json:"token" yaml:"token"`
	Identity
}

// TokenResolver resolves static bearer tokens.
type TokenResolver struct {
	tokens []AdminToken
}

// NewTokenResolver creates a resolver for the given tokens. Empty tokens are
// ignored.
func NewTokenResolver(tokens []AdminToken) *TokenResolver {
	r := &TokenResolver{}
	for _, t := range tokens {
		if t.Token != "" {
			r.tokens = append(r.tokens, t)
		}
	}
	return r
}

// Resolve implements IdentityResolver.
func (r *TokenResolver) Resolve(req *http.Request) (Identity, error) {
	header := req.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return Identity{}, errors.WrapInvalid(errors.ErrUnauthorized, "TokenResolver", "Resolve", "read bearer token")
	}
	for _, t := range r.tokens {
		if subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) == 1 {
			return t.Identity, nil
		}
	}
	return Identity{}, errors.WrapInvalid(errors.ErrUnauthorized, "TokenResolver", "Resolve", "match bearer token")
}
