package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"ansible-mcp/internal/domain"
)

// ClientInfo holds metadata about an authenticated API client.
type ClientInfo struct {
	Name string
}

// Authenticator validates API tokens.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// TokenEntry is one accepted token.
type TokenEntry struct {
	Token string
	Name  string
}

type authEntry struct {
	token []byte
	info  *ClientInfo
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from a set of token entries.
func NewStaticTokenAuth(entries []TokenEntry) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, 0, len(entries))}
	for _, e := range entries {
		if e.Token == "" {
			continue
		}
		a.entries = append(a.entries, authEntry{
			token: []byte(e.Token),
			info:  &ClientInfo{Name: e.Name},
		})
	}
	return a
}

// Enabled reports whether any token is configured.
func (s *StaticTokenAuth) Enabled() bool { return len(s.entries) > 0 }

// Authenticate returns client info if the token is valid.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			return e.info, nil
		}
	}
	return nil, domain.ErrGatewayAuthFailed
}

// RequireToken rejects requests without a valid bearer token. The token may
// also be passed as ?token= for clients that cannot set headers, such as
// browser EventSource and WebSocket.
func RequireToken(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.URL.Query().Get("token")
			if token == "" {
				token, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if _, err := auth.Authenticate(token); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="ansible-mcp"`)
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
