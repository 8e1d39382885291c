package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/scottpeterman/velociterm/internal/database"
	"github.com/scottpeterman/velociterm/internal/logutil"
)

// dummyHash keeps the cost of rejecting unknown users close to that of
// rejecting a wrong password.
const dummyHash = "$2a$12$C6UzMDM.H6dfI/f/IKcEeO8iE5nGhIGVZKs0qSgK1Vw5TC1rDP2m6"

// DatabaseBackend authenticates the users stored in the database.
type DatabaseBackend struct{}

func (DatabaseBackend) Name() string { return "local" }

func (DatabaseBackend) Authenticate(ctx context.Context, username, secret string) (*Identity, error) {
	user, err := database.GetUserByUsername(username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			CheckPassword(secret, dummyHash)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("look up user: %w", err)
	}
	if !CheckPassword(secret, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return &Identity{
		Username: user.Username,
		Groups:   user.GroupList(),
		Role:     user.Role,
		Method:   "local",
	}, nil
}

// StaticUser is one entry of a users file.
type StaticUser struct {
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"password_hash"`
	Role         string   `yaml:"role"`
	Groups       []string `yaml:"groups"`
}

type staticFile struct {
	Users []StaticUser `yaml:"users"`
}

// StaticBackend authenticates users listed in a YAML file:
//
//	users:
//	  - username: alice
//	    password_hash: $2a$12$...
//	    role: admin
//	    groups: [netops]
type StaticBackend struct {
	users map[string]StaticUser
}

// LoadStaticBackend reads a users file.
func LoadStaticBackend(path string) (*StaticBackend, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	return ParseStaticBackend(data)
}

// ParseStaticBackend parses users file contents. Entries without a username
// or hash are rejected, as are duplicates.
func ParseStaticBackend(data []byte) (*StaticBackend, error) {
	var f staticFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse users file: %w", err)
	}
	b := &StaticBackend{users: make(map[string]StaticUser, len(f.Users))}
	for i, u := range f.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return nil, fmt.Errorf("users file entry %d: username and password_hash are required", i)
		}
		if _, dup := b.users[u.Username]; dup {
			return nil, fmt.Errorf("users file: duplicate user %q", u.Username)
		}
		if u.Role == "" {
			u.Role = RoleUser
		}
		if !ValidRole(u.Role) {
			return nil, fmt.Errorf("users file: user %q has unknown role %q", u.Username, u.Role)
		}
		b.users[u.Username] = u
	}
	log.Printf("[auth] loaded %d static user(s)", len(b.users))
	return b, nil
}

func (b *StaticBackend) Name() string { return "static" }

func (b *StaticBackend) Authenticate(ctx context.Context, username, secret string) (*Identity, error) {
	u, ok := b.users[username]
	if !ok {
		CheckPassword(secret, dummyHash)
		return nil, ErrInvalidCredentials
	}
	if !CheckPassword(secret, u.PasswordHash) {
		log.Printf("[auth] static login failed for %s", logutil.SanitizeForLog(username))
		return nil, ErrInvalidCredentials
	}
	return &Identity{
		Username: u.Username,
		Groups:   append([]string(nil), u.Groups...),
		Role:     u.Role,
		Method:   "static",
	}, nil
}
