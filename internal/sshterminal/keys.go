package sshterminal

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"log"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/scottpeterman/velociterm/internal/logutil"
)

// errPassphraseRequired marks an encrypted key; such keys are not supported.
var errPassphraseRequired = errors.New("private key requires a passphrase")

// keyType is one accepted private key algorithm.
type keyType struct {
	name  string
	match func(key any) bool
}

// keyTypes lists the accepted private key algorithms in the order they are tried.
var keyTypes = []keyType{
	{"RSA", func(k any) bool { _, ok := k.(*rsa.PrivateKey); return ok }},
	{"ED25519", func(k any) bool {
		switch k.(type) {
		case ed25519.PrivateKey, *ed25519.PrivateKey:
			return true
		}
		return false
	}},
	{"ECDSA", func(k any) bool { _, ok := k.(*ecdsa.PrivateKey); return ok }},
}

// LoadSigner reads the private key at path and returns a signer for the
// first matching key type. The key bytes are dropped as soon as the signer
// is built.
func LoadSigner(path string) (ssh.Signer, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read private key %s: %w", logutil.SanitizeForLog(path), err)
	}

	raw, err := ssh.ParseRawPrivateKey(data)
	clear(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, "", errPassphraseRequired
		}
		return nil, "", fmt.Errorf("parse private key: %w", err)
	}

	for _, kt := range keyTypes {
		if !kt.match(raw) {
			continue
		}
		signer, err := ssh.NewSignerFromKey(raw)
		if err != nil {
			return nil, "", fmt.Errorf("build %s signer: %w", kt.name, err)
		}
		return signer, kt.name, nil
	}
	return nil, "", fmt.Errorf("unsupported private key type %T", raw)
}

// keyAuth returns a public key auth method for path, or nil when the key is
// missing, unsupported or encrypted. Callers fall back to password auth.
func keyAuth(path string) ssh.AuthMethod {
	if path == "" {
		return nil
	}
	signer, kind, err := LoadSigner(path)
	if err != nil {
		if errors.Is(err, errPassphraseRequired) {
			log.Printf("[ssh] key %s requires a passphrase (not supported); using password",
				logutil.SanitizeForLog(path))
		} else {
			log.Printf("[ssh] cannot use key %s: %v; using password", logutil.SanitizeForLog(path), err)
		}
		return nil
	}
	log.Printf("[ssh] loaded %s key from %s", kind, logutil.SanitizeForLog(path))
	return ssh.PublicKeys(signer)
}
