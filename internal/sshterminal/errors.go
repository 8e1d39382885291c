package sshterminal

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failed connect attempt.
type ErrorKind string

const (
	// KindAuth means the server rejected every offered credential.
	KindAuth ErrorKind = "auth"
	// KindNetwork covers unreachable hosts, timeouts and protocol failures.
	KindNetwork ErrorKind = "network"
	// KindRateLimited means the attempt was refused locally by the RateLimiter.
	KindRateLimited ErrorKind = "rate_limited"
	// KindRestricted means the target lies outside the allowed networks.
	KindRestricted ErrorKind = "restricted"
)

// Sentinel errors matched by errors.Is against a *ConnectError.
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNetwork              = errors.New("network error")
	ErrRateLimited          = errors.New("rate limited")
	ErrTargetNotAllowed     = errors.New("target not allowed")
)

var (
	// ErrNotConnected is returned by session operations that need a live channel.
	ErrNotConnected = errors.New("session not connected")
	// ErrConnectionLost is wrapped by ExitStatus.Err when the connection
	// dropped under a running shell.
	ErrConnectionLost = errors.New("connection lost")
)

// ConnectError is returned by Driver.Connect.
type ConnectError struct {
	Kind ErrorKind
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	switch e.Kind {
	case KindAuth:
		return fmt.Sprintf("SSH authentication failed for %s: %v", e.Addr, e.Err)
	case KindRateLimited, KindRestricted:
		return fmt.Sprintf("SSH connection to %s refused: %v", e.Addr, e.Err)
	default:
		return fmt.Sprintf("SSH connection error to %s: %v", e.Addr, e.Err)
	}
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Is lets errors.Is match a ConnectError against the kind sentinels.
func (e *ConnectError) Is(target error) bool {
	switch target {
	case ErrAuthenticationFailed:
		return e.Kind == KindAuth
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrTargetNotAllowed:
		return e.Kind == KindRestricted
	}
	return false
}

// classifyHandshakeError maps an x/crypto/ssh client handshake error to a kind.
// The library has no typed client-side auth error, so the message is matched.
func classifyHandshakeError(err error) ErrorKind {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return KindAuth
	}
	return KindNetwork
}
