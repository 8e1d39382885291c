package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/scottpeterman/velociterm/internal/auth"
	"github.com/scottpeterman/velociterm/internal/database"
	"github.com/scottpeterman/velociterm/internal/logutil"
	"github.com/scottpeterman/velociterm/internal/middleware"
	"github.com/scottpeterman/velociterm/internal/sshkeys"
)

// Set from main.go during init.
var (
	SessionStore  *auth.SessionStore
	Authenticator auth.Backend
)

// sessionCookie builds the session cookie; a negative maxAge clears it.
func sessionCookie(r *http.Request, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// decodeCredentials reads a username/password body, writing a 400 and
// returning false when either is missing.
func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentials, bool) {
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return c, false
	}
	if c.Username == "" || c.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return c, false
	}
	return c, true
}

func startSession(w http.ResponseWriter, r *http.Request, id *auth.Identity) bool {
	value, err := SessionStore.Create(*id)
	if err != nil {
		log.Printf("[auth] session for %s: %v", logutil.SanitizeForLog(id.Username), err)
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return false
	}
	http.SetCookie(w, sessionCookie(r, value, int(auth.SessionDuration.Seconds())))
	return true
}

func identityResponse(id *auth.Identity) map[string]interface{} {
	groups := id.Groups
	if groups == nil {
		groups = []string{}
	}
	return map[string]interface{}{
		"username":    id.Username,
		"role":        id.Role,
		"groups":      groups,
		"auth_method": id.Method,
	}
}

func Login(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	id, err := Authenticator.Authenticate(r.Context(), body.Username, body.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			log.Printf("[auth] login for %s failed: %v", logutil.SanitizeForLog(body.Username), err)
		}
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	if !startSession(w, r, id) {
		return
	}
	log.Printf("[auth] %s logged in via %s", logutil.SanitizeForLog(id.Username), id.Method)
	writeJSON(w, http.StatusOK, identityResponse(id))
}

func Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(auth.SessionCookie)
	if err == nil {
		SessionStore.Delete(cookie.Value)
	}
	http.SetCookie(w, sessionCookie(r, "", -1))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetIdentity(r)
	if id == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	writeJSON(w, http.StatusOK, identityResponse(id))
}

func SetupRequired(w http.ResponseWriter, r *http.Request) {
	count, err := database.UserCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"setup_required": count == 0})
}

// SetupCreateAdmin creates the first local user as admin. It is refused once
// any user exists.
func SetupCreateAdmin(w http.ResponseWriter, r *http.Request) {
	count, err := database.UserCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	if count > 0 {
		writeError(w, http.StatusConflict, "Setup already completed")
		return
	}

	body, ok := decodeCredentials(w, r)
	if !ok {
		return
	}
	if !sshkeys.ValidUsername(body.Username) {
		writeError(w, http.StatusBadRequest, "Invalid username")
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}

	user := &database.User{
		Username:     body.Username,
		PasswordHash: hash,
		Role:         auth.RoleAdmin,
	}
	if err := database.CreateUser(user); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create admin user")
		return
	}

	log.Printf("[auth] initial admin %s created", logutil.SanitizeForLog(user.Username))
	id := &auth.Identity{Username: user.Username, Role: user.Role, Method: auth.DatabaseBackend{}.Name()}
	if !startSession(w, r, id) {
		return
	}
	writeJSON(w, http.StatusCreated, identityResponse(id))
}
