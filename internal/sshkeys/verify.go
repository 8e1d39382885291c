package sshkeys

import (
	"fmt"
	"log"
	"net"

	"golang.org/x/crypto/ssh"

	"github.com/scottpeterman/velociterm/internal/logutil"
)

// Fingerprint returns the SHA256 fingerprint of an authorized_keys line.
func Fingerprint(publicKey []byte) (string, error) {
	if len(publicKey) == 0 {
		return "", fmt.Errorf("get fingerprint: public key is empty")
	}
	parsed, _, _, _, err := ssh.ParseAuthorizedKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("get fingerprint: parse public key: %w", err)
	}
	return ssh.FingerprintSHA256(parsed), nil
}

// HostKeyLogger returns a host key callback that accepts any key and logs its
// fingerprint, so unexpected key changes at least leave a trace.
func HostKeyLogger() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		log.Printf("[sshkeys] accepted %s host key for %s: %s",
			key.Type(), logutil.SanitizeForLog(hostname), ssh.FingerprintSHA256(key))
		return nil
	}
}
