// Package identity owns the permanent user id, the installation
// master secret, and per-folder Ed25519 signing keys. Private key
// material is never persisted in cleartext.
package identity
