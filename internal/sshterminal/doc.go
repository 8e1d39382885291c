// Package sshterminal drives interactive shell sessions on remote hosts.
//
// It wraps golang.org/x/crypto/ssh to authenticate to a host, open a PTY
// backed shell, and expose the handful of primitives a relay needs to bridge
// that shell to a browser: send input, poll output, resize, detect exit and
// close.
//
// # Core Components
//
//   - [Driver]: opens connections. Shared by all windows; carries the connect
//     timeout, keepalive interval, host key policy and a [RateLimiter].
//   - [Session]: the handle for one shell. Created empty with [NewSession],
//     filled in by [Driver.Connect], closed with [Session.Close] and never
//     reused afterwards.
//   - [ConnectError]: typed connect failure; match with errors.Is against
//     [ErrAuthenticationFailed], [ErrNetwork], [ErrRateLimited] or
//     [ErrTargetNotAllowed].
//
// # Target Restriction
//
// When [DriverConfig.AllowedTargets] is set, the target host is resolved
// before dialing and every address must fall inside the allowed networks.
// The checked address is the one dialed.
//
// # Authentication
//
// [Driver.Connect] offers a private key first, when [Credentials.KeyPath]
// names a readable RSA, Ed25519 or ECDSA key (tried in that order), then the
// password, both as "password" and "keyboard-interactive". Keys protected by
// a passphrase are treated as absent.
//
// # Output
//
// stdout and stderr are read by background goroutines into one bounded
// queue. [Session.PollOutput] drains it without blocking. [Session.Ended]
// reports the exit status only after the queue has been fully drained, so no
// trailing output is lost.
//
// # Geometry
//
// Every PTY starts at 80x24. [Session.Resize] clamps requests to a floor of
// [MinCols]x[MinRows] and a cap of [MaxCols]x[MaxRows].
//
// # Log Prefixes
//
// Connection and session events log with the [ssh] prefix.
package sshterminal
