package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/scottpeterman/velociterm/internal/auth"
	"github.com/scottpeterman/velociterm/internal/config"
)

type contextKey string

const identityContextKey contextKey = "identity"

// AnonymousUser is the identity of every request when auth is disabled.
const AnonymousUser = "anonymous"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func RequireAuth(store *auth.SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.Cfg.AuthDisabled {
				id := &auth.Identity{Username: AnonymousUser, Role: auth.RoleAdmin, Method: "disabled"}
				ctx := context.WithValue(r.Context(), identityContextKey, id)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			cookie, err := r.Cookie(auth.SessionCookie)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}

			id, ok := store.Get(cookie.Value)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}

			ctx := context.WithValue(r.Context(), identityContextKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !GetIdentity(r).IsAdmin() {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Admin access required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func GetIdentity(r *http.Request) *auth.Identity {
	id, _ := r.Context().Value(identityContextKey).(*auth.Identity)
	return id
}

// OwnerToken returns the token that owns windows opened by r: the
// authenticated username, or the client address when OWNER_MODE is
// "address". It returns "" when neither is known.
func OwnerToken(r *http.Request) string {
	if config.Cfg.OwnerMode == config.OwnerModeAddress {
		return clientAddr(r)
	}
	if id := GetIdentity(r); id != nil {
		return id.Username
	}
	return ""
}

// clientAddr strips the port from RemoteAddr. RealIP has already replaced it
// with the forwarded address when a trusted proxy sent one.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
