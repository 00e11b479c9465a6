package publisher

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"io"

	"github.com/nntpvault/nntpvault/pkg/crypto"
	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/types"
)

// The access string is one URL-safe token. Internally it is
// version | mode | share id | sealed payload, where the payload is
// encrypted under a key derived from the share id so no Usenet
// identifier inside it is recoverable by inspection. The payload
// carries the index message ids plus the mode material.
const accessVersion = 1

const shareIDLen = 16

// AccessMaterial is the decoded content of an access string.
type AccessMaterial struct {
	ShareID         string
	Mode            types.AccessMode
	IndexMessageIDs []string

	// public
	IndexKey []byte

	// protected
	Salt       []byte
	KDFParams  types.KDFParams
	WrappedKey []byte

	// private
	KeySeed     []byte
	Commitments []types.Commitment
	WrappedKeys []types.WrappedUserKey
}

var modeCodes = map[types.AccessMode]byte{
	types.AccessPublic:    1,
	types.AccessProtected: 2,
	types.AccessPrivate:   3,
}

func modeFromCode(c byte) (types.AccessMode, bool) {
	for mode, code := range modeCodes {
		if code == c {
			return mode, true
		}
	}
	return "", false
}

// EncodeAccessString seals the material into a single opaque token.
func EncodeAccessString(m *AccessMaterial) (string, error) {
	shareID, err := base64.RawURLEncoding.DecodeString(m.ShareID)
	if err != nil || len(shareID) != shareIDLen {
		return "", errdefs.InvalidInput.New("malformed share id")
	}
	code, ok := modeCodes[m.Mode]
	if !ok {
		return "", errdefs.InvalidInput.New("unknown access mode: %s", m.Mode)
	}

	var payload []byte
	payload = appendUint16(payload, uint16(len(m.IndexMessageIDs)))
	for _, id := range m.IndexMessageIDs {
		payload = appendPrefixed(payload, []byte(id))
	}

	switch m.Mode {
	case types.AccessPublic:
		payload = appendPrefixed(payload, m.IndexKey)
	case types.AccessProtected:
		payload = appendPrefixed(payload, m.Salt)
		payload = appendUint32(payload, m.KDFParams.Time)
		payload = appendUint32(payload, m.KDFParams.Memory)
		payload = append(payload, m.KDFParams.Threads)
		payload = appendUint32(payload, m.KDFParams.KeyLen)
		payload = appendPrefixed(payload, m.WrappedKey)
	case types.AccessPrivate:
		payload = appendPrefixed(payload, m.KeySeed)
		payload = appendUint16(payload, uint16(len(m.Commitments)))
		for _, c := range m.Commitments {
			payload = appendPrefixed(payload, c.Value)
			payload = appendPrefixed(payload, c.R)
		}
		payload = appendUint16(payload, uint16(len(m.WrappedKeys)))
		for _, w := range m.WrappedKeys {
			payload = appendPrefixed(payload, w.UserIDHash)
			payload = appendPrefixed(payload, w.WrappedKey)
		}
	}

	sealKey, err := tokenKey(shareID)
	if err != nil {
		return "", err
	}
	sealed, err := crypto.EncryptBlob(sealKey, payload)
	if err != nil {
		return "", err
	}

	token := make([]byte, 0, 2+shareIDLen+len(sealed))
	token = append(token, accessVersion, code)
	token = append(token, shareID...)
	token = append(token, sealed...)
	return base64.RawURLEncoding.EncodeToString(token), nil
}

// DecodeAccessString opens a token produced by EncodeAccessString.
func DecodeAccessString(token string) (*AccessMaterial, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, errdefs.InvalidInput.New("malformed access string")
	}
	if len(raw) < 2+shareIDLen {
		return nil, errdefs.InvalidInput.New("access string too short")
	}
	if raw[0] != accessVersion {
		return nil, errdefs.InvalidInput.New("unsupported access string version %d", raw[0])
	}
	mode, ok := modeFromCode(raw[1])
	if !ok {
		return nil, errdefs.InvalidInput.New("unknown access mode code %d", raw[1])
	}
	shareID := raw[2 : 2+shareIDLen]

	sealKey, err := tokenKey(shareID)
	if err != nil {
		return nil, err
	}
	payload, err := crypto.DecryptBlob(sealKey, raw[2+shareIDLen:])
	if err != nil {
		return nil, errdefs.InvalidInput.New("corrupt access string")
	}

	m := &AccessMaterial{
		ShareID: base64.RawURLEncoding.EncodeToString(shareID),
		Mode:    mode,
	}
	r := bytes.NewReader(payload)

	n, err := readUint16(r)
	if err != nil {
		return nil, errdefs.InvalidInput.New("corrupt access string")
	}
	for i := 0; i < int(n); i++ {
		id, err := readPrefixed(r)
		if err != nil {
			return nil, errdefs.InvalidInput.New("corrupt access string")
		}
		m.IndexMessageIDs = append(m.IndexMessageIDs, string(id))
	}

	switch mode {
	case types.AccessPublic:
		if m.IndexKey, err = readPrefixed(r); err != nil {
			return nil, errdefs.InvalidInput.New("corrupt access string")
		}
	case types.AccessProtected:
		if m.Salt, err = readPrefixed(r); err != nil {
			return nil, errdefs.InvalidInput.New("corrupt access string")
		}
		if m.KDFParams.Time, err = readUint32(r); err != nil {
			return nil, errdefs.InvalidInput.New("corrupt access string")
		}
		if m.KDFParams.Memory, err = readUint32(r); err != nil {
			return nil, errdefs.InvalidInput.New("corrupt access string")
		}
		threads, err := r.ReadByte()
		if err != nil {
			return nil, errdefs.InvalidInput.New("corrupt access string")
		}
		m.KDFParams.Threads = threads
		if m.KDFParams.KeyLen, err = readUint32(r); err != nil {
			return nil, errdefs.InvalidInput.New("corrupt access string")
		}
		if m.WrappedKey, err = readPrefixed(r); err != nil {
			return nil, errdefs.InvalidInput.New("corrupt access string")
		}
	case types.AccessPrivate:
		if m.KeySeed, err = readPrefixed(r); err != nil {
			return nil, errdefs.InvalidInput.New("corrupt access string")
		}
		nc, err := readUint16(r)
		if err != nil {
			return nil, errdefs.InvalidInput.New("corrupt access string")
		}
		for i := 0; i < int(nc); i++ {
			var c types.Commitment
			if c.Value, err = readPrefixed(r); err != nil {
				return nil, errdefs.InvalidInput.New("corrupt access string")
			}
			if c.R, err = readPrefixed(r); err != nil {
				return nil, errdefs.InvalidInput.New("corrupt access string")
			}
			m.Commitments = append(m.Commitments, c)
		}
		nw, err := readUint16(r)
		if err != nil {
			return nil, errdefs.InvalidInput.New("corrupt access string")
		}
		for i := 0; i < int(nw); i++ {
			var w types.WrappedUserKey
			if w.UserIDHash, err = readPrefixed(r); err != nil {
				return nil, errdefs.InvalidInput.New("corrupt access string")
			}
			if w.WrappedKey, err = readPrefixed(r); err != nil {
				return nil, errdefs.InvalidInput.New("corrupt access string")
			}
			m.WrappedKeys = append(m.WrappedKeys, w)
		}
	}
	return m, nil
}

func tokenKey(shareID []byte) ([]byte, error) {
	return crypto.DeriveKey(shareID, nil, "access string v1")
}

func appendUint16(b []byte, v uint16) []byte {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return append(b, buf[:]...)
}

func appendUint32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func appendPrefixed(b, v []byte) []byte {
	b = appendUint32(b, uint32(len(v)))
	return append(b, v...)
}

func readUint16(r *bytes.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readPrefixed(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if int64(n) > int64(r.Len()) {
		return nil, io.ErrUnexpectedEOF
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
