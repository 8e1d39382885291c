package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/scottpeterman/velociterm/internal/config"
)

func TestParseTrustedProxies(t *testing.T) {
	nets, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 127.0.0.1 ", "", "::1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(nets) != 3 {
		t.Fatalf("got %d networks, want 3", len(nets))
	}
	for _, bad := range []string{"proxy.local", "10.0.0.0/33"} {
		if _, err := ParseTrustedProxies([]string{bad}); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestRealIPTrustsOnlyConfiguredPeers(t *testing.T) {
	withConfig(t, func(c *config.Settings) { c.OwnerMode = config.OwnerModeAddress })
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		trusted bool
		peer    string
		want    string
	}{
		{"no trusted proxies", false, "198.51.100.4:4000", "198.51.100.4"},
		{"untrusted peer", true, "198.51.100.4:4000", "198.51.100.4"},
		{"trusted proxy", true, "10.1.2.3:4000", "192.0.2.50"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nets := trusted
			if !tt.trusted {
				nets = nil
			}
			var got string
			h := RealIP(nets)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = OwnerToken(r)
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.peer
			req.Header.Set("X-Real-IP", "192.0.2.50")
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("OwnerToken = %q, want %q", got, tt.want)
			}
		})
	}
}
