package sshkeys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KeyDirName is the per-user directory holding private keys.
const KeyDirName = "ssh_key"

// keyFiles are the key file names looked up by KeyPath, in order.
var keyFiles = []string{"id_rsa", "id_ed25519", "id_ecdsa"}

var (
	// ErrNoKey means the user has no key in their key directory.
	ErrNoKey = errors.New("no private key found")
	// ErrOutsideKeyDir means a requested key path escapes the user's key directory.
	ErrOutsideKeyDir = errors.New("key path outside user key directory")
	// ErrInvalidUsername means the username cannot be mapped to a directory.
	ErrInvalidUsername = errors.New("invalid username")
)

// KeyStore locates user keys below a workspaces root.
type KeyStore struct {
	root string
}

// NewKeyStore returns a KeyStore rooted at workspaces.
func NewKeyStore(workspaces string) *KeyStore {
	return &KeyStore{root: workspaces}
}

// ValidUsername reports whether username is usable as a single path
// segment under the workspace root.
func ValidUsername(username string) bool {
	return username != "" && username != "." && username != ".." &&
		!strings.ContainsAny(username, `/\`) && !strings.ContainsRune(username, 0)
}

// Dir returns the key directory for username.
func (k *KeyStore) Dir(username string) (string, error) {
	if !ValidUsername(username) {
		return "", fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	return filepath.Join(k.root, username, KeyDirName), nil
}

// KeyPath returns the first existing key file for username.
func (k *KeyStore) KeyPath(username string) (string, error) {
	dir, err := k.Dir(username)
	if err != nil {
		return "", err
	}
	for _, name := range keyFiles {
		p := filepath.Join(dir, name)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", ErrNoKey
}

// Resolve picks the key file a connect request by username may use. An empty
// requested path selects KeyPath. A non-empty one, absolute or relative to the
// key directory, must resolve to a regular file inside the key directory.
// ErrNoKey is returned when no key applies; callers fall back to passwords.
func (k *KeyStore) Resolve(username, requested string) (string, error) {
	if requested == "" {
		return k.KeyPath(username)
	}
	dir, err := k.Dir(username)
	if err != nil {
		return "", err
	}

	p := requested
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	p = filepath.Clean(p)
	if !within(dir, p) {
		return "", ErrOutsideKeyDir
	}

	// Symlinks may not lead out of the directory either.
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", ErrNoKey
	}
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", ErrNoKey
	}
	if !within(realDir, resolved) {
		return "", ErrOutsideKeyDir
	}
	fi, err := os.Stat(resolved)
	if err != nil || !fi.Mode().IsRegular() {
		return "", ErrNoKey
	}
	return p, nil
}

func within(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
