package sshkeys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// KeyKind selects the algorithm for GenerateKeyPair.
type KeyKind string

const (
	KindEd25519 KeyKind = "ed25519"
	KindRSA     KeyKind = "rsa"
	KindECDSA   KeyKind = "ecdsa"
)

const rsaBits = 3072

// FileName returns the conventional file name for a key of kind k.
func (k KeyKind) FileName() string {
	switch k {
	case KindRSA:
		return "id_rsa"
	case KindECDSA:
		return "id_ecdsa"
	default:
		return "id_ed25519"
	}
}

// GenerateKeyPair generates a key pair of the given kind and returns the
// OpenSSH-format public key and the PEM-encoded private key.
func GenerateKeyPair(kind KeyKind) (publicKey, privateKeyPEM []byte, err error) {
	var (
		priv  crypto.Signer
		block *pem.Block
	)
	switch kind {
	case KindEd25519, "":
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(k)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal private key: %w", err)
		}
		priv, block = k, &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	case KindRSA:
		k, err := rsa.GenerateKey(rand.Reader, rsaBits)
		if err != nil {
			return nil, nil, fmt.Errorf("generate rsa key: %w", err)
		}
		priv, block = k, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)}
	case KindECDSA:
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("generate ecdsa key: %w", err)
		}
		der, err := x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal private key: %w", err)
		}
		priv, block = k, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	default:
		return nil, nil, fmt.Errorf("unsupported key kind %q", kind)
	}

	sshPub, err := ssh.NewPublicKey(priv.Public())
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	return ssh.MarshalAuthorizedKey(sshPub), pem.EncodeToMemory(block), nil
}

// SaveKeyPair writes name and name.pub into dir, creating dir with mode 0700.
// The private key is written with mode 0600 and the public key with 0644.
// Existing files are not overwritten.
func SaveKeyPair(dir, name string, privateKey, publicKey []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create key dir: %w", err)
	}

	privPath := filepath.Join(dir, name)
	f, err := os.OpenFile(privPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}
	if _, err := f.Write(privateKey); err != nil {
		f.Close()
		return "", fmt.Errorf("write private key: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}

	if err := os.WriteFile(privPath+".pub", publicKey, 0o644); err != nil {
		return "", fmt.Errorf("write public key: %w", err)
	}

	log.Printf("[sshkeys] key pair saved to %s", privPath)
	return privPath, nil
}
