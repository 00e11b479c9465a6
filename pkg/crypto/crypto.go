package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the symmetric key size for AES-256-GCM.
	KeySize = 32
	// NonceSize is the GCM nonce size.
	NonceSize = 12
)

// NewKey generates a fresh 256-bit symmetric key.
func NewKey() ([]byte, error) {
	return RandomBytes(KeySize)
}

// NewNonce generates a fresh random GCM nonce. Nonces are never
// reused under the same key; every seal draws a new one.
func NewNonce() ([]byte, error) {
	return RandomBytes(NonceSize)
}

// RandomBytes returns n cryptographically strong random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// RandomString returns n characters sampled uniformly from alphabet
// using secure randomness. Sampling rejects out-of-range bytes so the
// distribution stays uniform for any alphabet size.
func RandomString(n int, alphabet string) (string, error) {
	if len(alphabet) == 0 || len(alphabet) > 256 {
		return "", fmt.Errorf("alphabet size must be in [1, 256], got %d", len(alphabet))
	}
	out := make([]byte, 0, n)
	// Largest multiple of len(alphabet) not above 256; bytes at or above
	// it are rejected to avoid modulo bias.
	limit := 256 - 256%len(alphabet)
	buf := make([]byte, 64)
	for len(out) < n {
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// Encrypt seals plaintext with AES-256-GCM under key, binding aad.
// Returns the ciphertext only; the caller owns nonce storage.
func Encrypt(key, nonce, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", gcm.NonceSize(), len(nonce))
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nil
}

// Decrypt opens ciphertext sealed by Encrypt. Authentication failure
// is a hard error; no partial plaintext is ever returned.
func Decrypt(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", gcm.NonceSize(), len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// EncryptBlob seals plaintext and prepends the nonce, for key-at-rest
// material where the nonce has no separate home.
func EncryptBlob(key, plaintext []byte) ([]byte, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	ct, err := Encrypt(key, nonce, plaintext, nil)
	if err != nil {
		return nil, err
	}
	return append(nonce, ct...), nil
}

// DecryptBlob opens data produced by EncryptBlob.
func DecryptBlob(key, blob []byte) ([]byte, error) {
	if len(blob) < NonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	return Decrypt(key, blob[:NonceSize], blob[NonceSize:], nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// GenerateSigningKey generates an Ed25519 keypair.
func GenerateSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return pub, priv, nil
}

// Sign signs message with the Ed25519 private key.
func Sign(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// Verify reports whether sig is a valid signature of message.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// HashSHA256 returns the SHA-256 digest of data.
func HashSHA256(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// HMACSHA256 returns the HMAC-SHA256 of data under key.
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// HMACEqual compares two MACs in constant time.
func HMACEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// DeriveKey derives a 256-bit subkey from secret via HKDF-SHA256.
func DeriveKey(secret, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// Argon2Params parameterizes the password KDF. The values travel with
// the protected share so any client can re-derive the wrapping key.
type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
}

// DefaultArgon2Params returns the interactive-login cost parameters.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Time: 1, Memory: 64 * 1024, Threads: 4, KeyLen: KeySize}
}

// DerivePasswordKey runs Argon2id over the password.
func DerivePasswordKey(password string, salt []byte, p Argon2Params) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
}

// SegmentAAD builds the authenticated additional data binding a
// segment ciphertext to its identity. Both ends of the pipeline
// derive it from the same fields, so a ciphertext swapped between
// segments fails authentication.
func SegmentAAD(segmentID string, redundancyIndex int, folderID string) []byte {
	aad := make([]byte, 0, len(segmentID)+4+len(folderID))
	aad = append(aad, segmentID...)
	aad = append(aad,
		byte(redundancyIndex>>24), byte(redundancyIndex>>16),
		byte(redundancyIndex>>8), byte(redundancyIndex))
	aad = append(aad, folderID...)
	return aad
}

// Zeroize overwrites key material in place. Callers drop secrets
// through this on every exit path that stops needing them.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
