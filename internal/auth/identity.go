package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"slices"

	"github.com/austindbirch/bunny_bridge/internal/httperr"
)

// Request headers carrying the caller's credentials.
const (
	HeaderIdentity = "X-Bunny-Identity"
	HeaderToken    = "X-Bunny-Token"
)

type contextKey string

const IdentityKey contextKey = "bunny_identity"

// Identity is a named static token.
type Identity struct {
	Name  string
	Token string
}

// Guard protects a single publisher or consumer. A guard with no allowed
// identities lets every request through.
type Guard struct {
	allowed    []string
	identities map[string]Identity
}

// NewGuard builds a guard admitting the allowed identity names, resolved
// against the full identity list.
func NewGuard(allowed []string, identities []Identity) *Guard {
	byName := make(map[string]Identity, len(identities))
	for _, id := range identities {
		byName[id.Name] = id
	}
	return &Guard{allowed: allowed, identities: byName}
}

// Protected reports whether the guard checks credentials at all.
func (g *Guard) Protected() bool {
	return len(g.allowed) > 0
}

// Verify checks the credential headers and returns the verified identity name
// (empty for unprotected resources).
func (g *Guard) Verify(h http.Header) (string, error) {
	if !g.Protected() {
		return "", nil
	}

	name, token := h.Get(HeaderIdentity), h.Get(HeaderToken)
	if name == "" || token == "" {
		return "", httperr.MissingCredentials()
	}

	id, ok := g.identities[name]
	if !ok {
		return "", httperr.Forbidden()
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(id.Token)) != 1 {
		return "", httperr.Forbidden()
	}
	if !slices.Contains(g.allowed, id.Name) {
		return "", httperr.Forbidden()
	}
	return id.Name, nil
}

// Middleware rejects requests failing Verify and stores the identity in the
// request context.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, err := g.Verify(r.Header)
		if err != nil {
			httperr.Write(w, err)
			return
		}
		if name != "" {
			r = r.WithContext(context.WithValue(r.Context(), IdentityKey, name))
		}
		next.ServeHTTP(w, r)
	})
}

// IdentityFromContext extracts the verified identity name from context
func IdentityFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(IdentityKey).(string)
	return name, ok
}
