package yenc

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"one byte", []byte{0x00}},
		{"text", []byte("hello\n")},
		{"all byte values", allBytes()},
		{"small random", randomBytes(rng, 100)},
		{"exactly one line", randomBytes(rng, 128)},
		{"segment sized", randomBytes(rng, 768000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeToBytes("subject", tt.data)
			require.NoError(t, err)

			decoded, err := Decode(encoded)
			require.NoError(t, err)
			if len(tt.data) == 0 {
				assert.Empty(t, decoded)
			} else {
				assert.True(t, bytes.Equal(tt.data, decoded))
			}
		})
	}
}

func TestEncodedBodyIsLineSafe(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	encoded, err := EncodeToBytes("s", randomBytes(rng, 10000))
	require.NoError(t, err)

	for _, line := range bytes.Split(encoded, []byte("\r\n")) {
		assert.NotContains(t, string(line), "\x00")
		if len(line) > 0 {
			assert.NotEqual(t, byte('.'), line[0], "leading dot collides with dot-stuffing")
		}
	}
}

func TestDecodeDetectsCorruption(t *testing.T) {
	encoded, err := EncodeToBytes("s", []byte("some payload that is long enough"))
	require.NoError(t, err)

	// Flip a data byte between the ybegin and yend lines.
	start := bytes.Index(encoded, []byte("\r\n")) + 2
	encoded[start] ^= 0x01

	_, err = Decode(encoded)
	assert.Error(t, err)
}

func TestDecodeSurvivesLFOnlyLineEndings(t *testing.T) {
	data := []byte("payload with\nnewlines and = signs")
	encoded, err := EncodeToBytes("s", data)
	require.NoError(t, err)

	// Transports such as textproto normalize CRLF to LF.
	normalized := bytes.ReplaceAll(encoded, []byte("\r\n"), []byte("\n"))
	decoded, err := Decode(normalized)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func allBytes() []byte {
	out := make([]byte, 256)
	for i := range out {
		out[i] = byte(i)
	}
	return out
}

func randomBytes(rng *rand.Rand, n int) []byte {
	out := make([]byte, n)
	rng.Read(out)
	return out
}
