package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/scottpeterman/velociterm/internal/auth"
	"github.com/scottpeterman/velociterm/internal/database"
	"github.com/scottpeterman/velociterm/internal/logutil"
	"github.com/scottpeterman/velociterm/internal/middleware"
	"github.com/scottpeterman/velociterm/internal/sshkeys"
)

type userResponse struct {
	ID        uint     `json:"id"`
	Username  string   `json:"username"`
	Role      string   `json:"role"`
	Groups    []string `json:"groups"`
	CreatedAt string   `json:"created_at"`
}

func toUserResponse(u *database.User) userResponse {
	groups := u.GroupList()
	if groups == nil {
		groups = []string{}
	}
	return userResponse{
		ID:        u.ID,
		Username:  u.Username,
		Role:      u.Role,
		Groups:    groups,
		CreatedAt: formatTimestamp(u.CreatedAt),
	}
}

func ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := database.ListUsers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}

	result := make([]userResponse, 0, len(users))
	for i := range users {
		result = append(result, toUserResponse(&users[i]))
	}
	writeJSON(w, http.StatusOK, result)
}

func CreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		credentials
		Role   string   `json:"role"`
		Groups []string `json:"groups"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}
	if body.Role == "" {
		body.Role = auth.RoleUser
	}
	if !auth.ValidRole(body.Role) {
		writeError(w, http.StatusBadRequest, "Role must be 'admin' or 'user'")
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
		Role:         body.Role,
		Groups:       strings.Join(body.Groups, ","),
	}
	if err := database.CreateUser(user); err != nil {
		writeError(w, http.StatusConflict, "Username already exists")
		return
	}
	log.Printf("[auth] %s created user %s (%s)", actor(r), logutil.SanitizeForLog(user.Username), user.Role)

	writeJSON(w, http.StatusCreated, toUserResponse(user))
}

func DeleteUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	if current := middleware.GetIdentity(r); current != nil && current.Username == username {
		writeError(w, http.StatusBadRequest, "Cannot delete your own account")
		return
	}

	if err := database.DeleteUser(username); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete user")
		return
	}

	SessionStore.DeleteByUsername(username)
	log.Printf("[auth] %s deleted user %s", actor(r), logutil.SanitizeForLog(username))

	w.WriteHeader(http.StatusNoContent)
}

func ResetUserPassword(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if body.Password == "" {
		writeError(w, http.StatusBadRequest, "Password is required")
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}

	if err := database.UpdateUserPassword(username, hash); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to update password")
		return
	}

	SessionStore.DeleteByUsername(username)
	log.Printf("[auth] %s reset the password of %s", actor(r), logutil.SanitizeForLog(username))

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// actor names the identity making an admin request, for log lines.
func actor(r *http.Request) string {
	if id := middleware.GetIdentity(r); id != nil {
		return logutil.SanitizeForLog(id.Username)
	}
	return "unknown"
}
