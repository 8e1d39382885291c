// Package auth authenticates users and tracks their browser sessions.
//
// The relay itself only ever sees an [Identity]. Where it came from is the
// business of a [Backend]: local users in the database, a static YAML file,
// or a [Chain] of both.
package auth

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

const (
	BcryptCost = 12
	RoleAdmin  = "admin"
	RoleUser   = "user"
)

// ErrInvalidCredentials is returned when no backend accepts the credentials.
var ErrInvalidCredentials = errors.New("invalid username or password")

// Identity is an authenticated user.
type Identity struct {
	Username string   `json:"username"`
	Groups   []string `json:"groups"`
	Role     string   `json:"role"`
	// Method names the backend that authenticated the user.
	Method string `json:"auth_method"`
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	return role == RoleAdmin || role == RoleUser
}

// IsAdmin reports whether the identity has the admin role.
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}

// Backend verifies a username and secret.
type Backend interface {
	Name() string
	Authenticate(ctx context.Context, username, secret string) (*Identity, error)
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Chain tries each backend in order and returns the first success.
type Chain []Backend

func (c Chain) Name() string { return "chain" }

func (c Chain) Authenticate(ctx context.Context, username, secret string) (*Identity, error) {
	for _, b := range c {
		id, err := b.Authenticate(ctx, username, secret)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrInvalidCredentials) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, ErrInvalidCredentials
}
