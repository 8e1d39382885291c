package sshkeys

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestGenerateKeyPair(t *testing.T) {
	tests := []struct {
		kind    KeyKind
		sshType string
	}{
		{KindEd25519, "ssh-ed25519"},
		{KindRSA, "ssh-rsa"},
		{KindECDSA, "ecdsa-sha2-nistp256"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			pub, priv, err := GenerateKeyPair(tt.kind)
			if err != nil {
				t.Fatalf("GenerateKeyPair: %v", err)
			}
			parsed, _, _, _, err := ssh.ParseAuthorizedKey(pub)
			if err != nil {
				t.Fatalf("public key: %v", err)
			}
			if parsed.Type() != tt.sshType {
				t.Errorf("public key type = %s, want %s", parsed.Type(), tt.sshType)
			}
			signer, err := ssh.ParsePrivateKey(priv)
			if err != nil {
				t.Fatalf("private key: %v", err)
			}
			if string(ssh.MarshalAuthorizedKey(signer.PublicKey())) != string(pub) {
				t.Error("private and public key do not match")
			}
		})
	}
}

func TestGenerateKeyPairUnknownKind(t *testing.T) {
	if _, _, err := GenerateKeyPair("dsa"); err == nil {
		t.Fatal("expected error for dsa")
	}
}

func TestSaveKeyPair(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "alice", KeyDirName)
	pub, priv, err := GenerateKeyPair(KindEd25519)
	if err != nil {
		t.Fatal(err)
	}

	path, err := SaveKeyPair(dir, KindEd25519.FileName(), priv, pub)
	if err != nil {
		t.Fatalf("SaveKeyPair: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("private key mode = %o, want 600", fi.Mode().Perm())
	}
	di, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if di.Mode().Perm() != 0o700 {
		t.Errorf("dir mode = %o, want 700", di.Mode().Perm())
	}
	data, err := os.ReadFile(path + ".pub")
	if err != nil || !strings.HasPrefix(string(data), "ssh-ed25519 ") {
		t.Errorf("public key file = %q, %v", data, err)
	}

	if _, err := SaveKeyPair(dir, KindEd25519.FileName(), priv, pub); !errors.Is(err, os.ErrExist) {
		t.Errorf("second save: got %v, want ErrExist", err)
	}
}

func TestFingerprint(t *testing.T) {
	pub, _, err := GenerateKeyPair(KindEd25519)
	if err != nil {
		t.Fatal(err)
	}
	fp, err := Fingerprint(pub)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(fp, "SHA256:") {
		t.Errorf("fingerprint = %q", fp)
	}
	if _, err := Fingerprint(nil); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := Fingerprint([]byte("garbage")); err == nil {
		t.Error("expected error for garbage key")
	}
}

func TestHostKeyLoggerAcceptsAnyKey(t *testing.T) {
	pub, _, err := GenerateKeyPair(KindEd25519)
	if err != nil {
		t.Fatal(err)
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	if err := HostKeyLogger()("example.com:22", nil, key); err != nil {
		t.Fatalf("callback rejected key: %v", err)
	}
}
