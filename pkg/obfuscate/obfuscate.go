// Package obfuscate generates the three identifier families a segment
// carries: a deterministic secret-keyed internal subject that never
// leaves the local store, and the uniformly random external subject
// and message id that go on the wire. The external values have no
// derivable relation to any plaintext identity.
package obfuscate

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/nntpvault/nntpvault/pkg/crypto"
)

const (
	// SubjectAlphabet is the alphabet external subjects draw from.
	SubjectAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// SubjectLength is the external subject length.
	SubjectLength = 20

	messageIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	messageIDLength   = 16
)

// InternalSubject derives the local cross-reference identifier for
// one segment replica: HMAC-SHA256 keyed with the folder signing
// private key over (folder_id || owner_id || segment_index ||
// redundancy_index), truncated to 32 hex characters.
func InternalSubject(signingKey []byte, folderID, ownerID string, segmentIndex, redundancyIndex int) string {
	msg := make([]byte, 0, len(folderID)+len(ownerID)+8)
	msg = append(msg, folderID...)
	msg = append(msg, ownerID...)
	var idx [8]byte
	binary.BigEndian.PutUint32(idx[0:4], uint32(segmentIndex))
	binary.BigEndian.PutUint32(idx[4:8], uint32(redundancyIndex))
	msg = append(msg, idx[:]...)

	mac := crypto.HMACSHA256(signingKey, msg)
	return hex.EncodeToString(mac)[:32]
}

// ExternalSubject returns a fresh random Subject header value.
func ExternalSubject() (string, error) {
	return crypto.RandomString(SubjectLength, SubjectAlphabet)
}

// MessageID returns a fresh random Message-ID header value of the
// form <xxxxxxxxxxxxxxxx@suffix>. The suffix is an opaque configured
// token with no meaning.
func MessageID(suffix string) (string, error) {
	local, err := crypto.RandomString(messageIDLength, messageIDAlphabet)
	if err != nil {
		return "", err
	}
	return "<" + local + "@" + suffix + ">", nil
}
