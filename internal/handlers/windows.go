package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/scottpeterman/velociterm/internal/middleware"
	"github.com/scottpeterman/velociterm/internal/relay"
	"github.com/scottpeterman/velociterm/internal/windows"
)

const maxWindowIDLen = 128

// Registry is set from main.go during init.
var Registry *windows.Registry

func validWindowID(id string) bool {
	if id == "" || len(id) > maxWindowIDLen {
		return false
	}
	return !strings.ContainsFunc(id, func(r rune) bool { return r < 0x20 || r == 0x7f || r == '/' })
}

// RegisterWindow records the caller as owner of a window, minting an id when
// the body does not carry one.
func RegisterWindow(w http.ResponseWriter, r *http.Request) {
	owner := middleware.OwnerToken(r)
	if owner == "" {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}

	var body struct {
		WindowID string `json:"window_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.WindowID == "" {
		body.WindowID = uuid.NewString()
	}
	if !validWindowID(body.WindowID) {
		writeError(w, http.StatusBadRequest, "Invalid window ID")
		return
	}

	Registry.Register(body.WindowID, owner)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "registered",
		"window_id": body.WindowID,
	})
}

func ValidateWindow(w http.ResponseWriter, r *http.Request) {
	windowID := chi.URLParam(r, "windowId")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":     Registry.Validate(windowID, middleware.OwnerToken(r)),
		"window_id": windowID,
	})
}

// ListWindows returns the caller's live windows. Admins may pass all=true to
// see every window.
func ListWindows(w http.ResponseWriter, r *http.Request) {
	owner := middleware.OwnerToken(r)
	if r.URL.Query().Get("all") == "true" && middleware.GetIdentity(r).IsAdmin() {
		owner = ""
	} else if owner == "" {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}

	infos := Relay.List(owner)
	if infos == nil {
		infos = []relay.WindowInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"windows": infos})
}

// CloseWindow disconnects a live window, or drops the registration of one
// that has no live connection.
func CloseWindow(w http.ResponseWriter, r *http.Request) {
	windowID := chi.URLParam(r, "windowId")
	owner := middleware.OwnerToken(r)
	if owner == "" {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}

	if Relay.CloseWindow(windowID, owner) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "window_id": windowID})
		return
	}
	if Registry.RemoveOwned(windowID, owner) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "unregistered", "window_id": windowID})
		return
	}
	writeError(w, http.StatusNotFound, "Window not found")
}
