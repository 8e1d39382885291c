package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fernet/fernet-go"

	"github.com/scottpeterman/velociterm/internal/auth"
	"github.com/scottpeterman/velociterm/internal/config"
	"github.com/scottpeterman/velociterm/internal/crypto"
)

func withConfig(t *testing.T, mutate func(*config.Settings)) {
	t.Helper()
	orig := config.Cfg
	t.Cleanup(func() { config.Cfg = orig })
	config.Cfg = config.Settings{OwnerMode: config.OwnerModeSession}
	mutate(&config.Cfg)
}

func newStore(t *testing.T) *auth.SessionStore {
	t.Helper()
	var k fernet.Key
	if err := k.Generate(); err != nil {
		t.Fatal(err)
	}
	sealer, err := crypto.NewSealer(&k)
	if err != nil {
		t.Fatal(err)
	}
	return auth.NewSessionStore(sealer)
}

// echoOwner responds with the identity and owner token seen by the handler.
var echoOwner = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	id := GetIdentity(r)
	w.Write([]byte(id.Username + "|" + OwnerToken(r)))
})

func TestRequireAuth(t *testing.T) {
	withConfig(t, func(*config.Settings) {})
	store := newStore(t)
	cookie, err := store.Create(auth.Identity{Username: "alice", Role: auth.RoleUser})
	if err != nil {
		t.Fatal(err)
	}
	h := RequireAuth(store)(echoOwner)

	tests := []struct {
		name   string
		cookie string
		status int
		body   string
	}{
		{name: "no cookie", status: http.StatusUnauthorized},
		{name: "forged cookie", cookie: "not-a-token", status: http.StatusUnauthorized},
		{name: "valid session", cookie: cookie, status: http.StatusOK, body: "alice|alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/windows", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: tt.cookie})
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestRequireAuthDisabled(t *testing.T) {
	withConfig(t, func(c *config.Settings) { c.AuthDisabled = true })
	rec := httptest.NewRecorder()
	RequireAuth(newStore(t))(echoOwner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "anonymous|anonymous" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestOwnerTokenAddressMode(t *testing.T) {
	withConfig(t, func(c *config.Settings) { c.OwnerMode = config.OwnerModeAddress })
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:51234"
	req = WithIdentityForTest(req, &auth.Identity{Username: "alice"})
	if got := OwnerToken(req); got != "192.0.2.7" {
		t.Errorf("OwnerToken = %q, want client address", got)
	}
}

func TestOwnerTokenWithoutIdentity(t *testing.T) {
	withConfig(t, func(*config.Settings) {})
	if got := OwnerToken(httptest.NewRequest(http.MethodGet, "/", nil)); got != "" {
		t.Errorf("OwnerToken = %q, want empty", got)
	}
}

func TestRequireAdmin(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	tests := []struct {
		name   string
		id     *auth.Identity
		status int
	}{
		{"no identity", nil, http.StatusForbidden},
		{"user", &auth.Identity{Username: "bob", Role: auth.RoleUser}, http.StatusForbidden},
		{"admin", &auth.Identity{Username: "root", Role: auth.RoleAdmin}, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/server/logs", nil)
			if tt.id != nil {
				req = WithIdentityForTest(req, tt.id)
			}
			rec := httptest.NewRecorder()
			RequireAdmin(ok).ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}
