package server

import (
	"context"
	"net/http"
	"strings"
)

// Authenticator resolves a bearer token to a principal.
type Authenticator interface {
	Principal(token string) (string, bool)
}

// TokenTable maps static bearer tokens to principals.
type TokenTable map[string]string

func (t TokenTable) Principal(token string) (string, bool) {
	p, ok := t[token]
	return p, ok && p != ""
}

type principalKey struct{}

// PrincipalFromContext returns the principal the request was authenticated as.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey{}).(string)
	return p, ok && p != ""
}

func bearerToken(req *http.Request) string {
	h := strings.TrimSpace(req.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// requireAuth rejects requests without a known bearer token with 401.
func requireAuth(auth Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		tok := bearerToken(req)
		if tok == "" || auth == nil {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		principal, ok := auth.Principal(tok)
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), principalKey{}, principal)))
	})
}
