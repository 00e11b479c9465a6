// Package crypto collects the primitives the pipelines rely on:
// AES-256-GCM with caller-owned nonces and AAD, Ed25519 signing,
// HKDF-SHA256 and Argon2id derivation, SHA-256 hashing, and
// uniform random token sampling.
package crypto
