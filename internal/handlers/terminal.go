package handlers

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/scottpeterman/velociterm/internal/config"
	"github.com/scottpeterman/velociterm/internal/logutil"
	"github.com/scottpeterman/velociterm/internal/middleware"
	"github.com/scottpeterman/velociterm/internal/relay"
)

// wsReadLimit is the largest frame accepted from the browser. It sits above
// the relay's own message cap so oversized input is dropped by the relay
// instead of failing the whole connection.
const wsReadLimit = 1024 * 1024

// Relay is set from main.go during init.
var Relay *relay.Manager

// wsTransport carries relay messages over a WebSocket as JSON text frames.
type wsTransport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	conn.SetReadLimit(wsReadLimit)
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Send(ctx context.Context, msg relay.Outbound) error {
	return wsjson.Write(ctx, t.conn, msg)
}

// Close sends the close frame once. Later calls return the first result.
func (t *wsTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close(websocket.StatusCode(code), reason)
	})
	return t.closeErr
}

// TerminalWS upgrades the request and hands the connection to the relay as
// the window named in the path.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	windowID := chi.URLParam(r, "windowId")
	if !validWindowID(windowID) {
		writeError(w, http.StatusBadRequest, "Invalid window ID")
		return
	}

	owner := middleware.OwnerToken(r)
	if owner == "" {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}

	if Relay == nil {
		writeError(w, http.StatusServiceUnavailable, "Relay not initialized")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: config.Cfg.AllowedOrigins,
	})
	if err != nil {
		log.Printf("[terminal] failed to accept websocket for window %s: %v", logutil.SanitizeForLog(windowID), err)
		return
	}
	defer conn.CloseNow()

	username := ""
	if id := middleware.GetIdentity(r); id != nil {
		username = id.Username
	}

	err = Relay.Serve(r.Context(), windowID, relay.Owner{Token: owner, Username: username}, newWSTransport(conn))
	if err != nil {
		log.Printf("[terminal] window %s refused: %v", logutil.SanitizeForLog(windowID), err)
	}
}
