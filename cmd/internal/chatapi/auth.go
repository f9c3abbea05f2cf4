package chatapi

import (
	"context"
	"net/http"
	"strings"

	"tasklane/cmd/internal/auth/session"
)

type principalKey struct{}

// principalFrom returns the authenticated caller stored by requireAuth.
func principalFrom(ctx context.Context) (session.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(session.Principal)
	return p, ok
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// requireAuth rejects requests without a valid bearer token.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tasklane"`)
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}
		p, err := h.auth.Authenticate(r.Context(), tok)
		if err != nil {
			h.log.Debug("chatapi.auth.reject", "err", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="tasklane", error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// requirePerm guards a route on a principal permission.
func requirePerm(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := principalFrom(r.Context())
			if !ok || !p.Has(perm) {
				writeError(w, http.StatusForbidden, "forbidden", "missing permission "+perm)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
