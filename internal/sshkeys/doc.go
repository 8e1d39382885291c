// Package sshkeys manages the private keys users authenticate to remote hosts
// with.
//
// Keys live in a per-user directory under the workspaces root:
//
//	<workspaces>/<username>/ssh_key/{id_rsa,id_ed25519,id_ecdsa}
//
// [KeyStore.KeyPath] returns the first key present in that order.
// [KeyStore.Resolve] decides which file a connect request may use: a
// client-supplied path is honored only when it names a regular file inside
// the requesting user's own key directory, so one user can never point the
// relay at another user's key or at arbitrary files on the server.
//
// [GenerateKeyPair] and [SaveKeyPair] back the keygen command.
// [HostKeyLogger] is the host key callback used by the driver: it accepts
// every host key and logs its fingerprint.
package sshkeys
