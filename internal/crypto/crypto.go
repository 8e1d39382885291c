// Package crypto seals short opaque values (session ids) with fernet tokens.
package crypto

import (
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/scottpeterman/velociterm/internal/database"
)

const keySetting = "fernet_key"

// ErrInvalidToken is returned by Open for tampered, foreign or expired tokens.
var ErrInvalidToken = errors.New("invalid token")

// LoadOrCreateKey returns the installation key stored in the settings
// table, generating and saving one on first use.
func LoadOrCreateKey() (*fernet.Key, error) {
	keyStr, err := database.GetSetting(keySetting)
	if err != nil || keyStr == "" {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := database.SetSetting(keySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &k, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

// Sealer encrypts and authenticates values with one or more fernet keys.
// The first key seals; all keys are tried when opening.
type Sealer struct {
	keys []*fernet.Key
}

// NewSealer returns a Sealer over keys. At least one key is required.
func NewSealer(keys ...*fernet.Key) (*Sealer, error) {
	if len(keys) == 0 || keys[0] == nil {
		return nil, errors.New("sealer needs at least one key")
	}
	return &Sealer{keys: keys}, nil
}

// Seal returns a token for plaintext.
func (s *Sealer) Seal(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), s.keys[0])
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	return string(tok), nil
}

// Open verifies token and returns its plaintext. Tokens older than ttl are
// rejected; a zero ttl disables the age check.
func (s *Sealer) Open(token string, ttl time.Duration) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), ttl, s.keys)
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}
