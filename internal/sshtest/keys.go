package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/scottpeterman/velociterm/internal/sshkeys"
)

// WriteKey generates a key of the given kind, writes the private half to
// path with mode 0600 and returns the public half.
func WriteKey(t testing.TB, path string, kind sshkeys.KeyKind) ssh.PublicKey {
	t.Helper()
	pub, priv, err := sshkeys.GenerateKeyPair(kind)
	if err != nil {
		t.Fatalf("generate %s key: %v", kind, err)
	}
	writeFile(t, path, priv)
	key, _, _, _, err := ssh.ParseAuthorizedKey(pub)
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}
	return key
}

// WriteEncryptedKey writes a passphrase-protected Ed25519 key to path and
// returns its public half.
func WriteEncryptedKey(t testing.TB, path, passphrase string) ssh.PublicKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	if err != nil {
		t.Fatalf("marshal encrypted key: %v", err)
	}
	writeFile(t, path, pem.EncodeToMemory(block))
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return key
}

func writeFile(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
}
