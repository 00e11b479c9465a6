package obfuscate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInternalSubjectDeterministic(t *testing.T) {
	key := []byte("folder signing key bytes")

	a := InternalSubject(key, "folder", "file", 0, 0)
	b := InternalSubject(key, "folder", "file", 0, 0)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	// Any input change produces a different subject.
	assert.NotEqual(t, a, InternalSubject(key, "folder", "file", 1, 0))
	assert.NotEqual(t, a, InternalSubject(key, "folder", "file", 0, 1))
	assert.NotEqual(t, a, InternalSubject(key, "folder", "other", 0, 0))
	assert.NotEqual(t, a, InternalSubject([]byte("other key"), "folder", "file", 0, 0))
}

func TestExternalSubjectShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		s, err := ExternalSubject()
		require.NoError(t, err)
		assert.Len(t, s, SubjectLength)
		for _, c := range s {
			assert.True(t, strings.ContainsRune(SubjectAlphabet, c))
		}
		assert.False(t, seen[s])
		seen[s] = true
	}
}

func TestMessageIDShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		id, err := MessageID("example")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(id, "<"))
		assert.True(t, strings.HasSuffix(id, "@example>"))

		local := strings.TrimSuffix(strings.TrimPrefix(id, "<"), "@example>")
		assert.Len(t, local, messageIDLength)
		for _, c := range local {
			assert.True(t, strings.ContainsRune(messageIDAlphabet, c))
		}
		assert.False(t, seen[id])
		seen[id] = true
	}
}

// TestExternalSubjectEntropy checks the sampled character
// distribution is close to uniform.
func TestExternalSubjectEntropy(t *testing.T) {
	counts := map[rune]int{}
	const samples = 2000
	for i := 0; i < samples; i++ {
		s, err := ExternalSubject()
		require.NoError(t, err)
		for _, c := range s {
			counts[c]++
		}
	}

	total := samples * SubjectLength
	expected := float64(total) / float64(len(SubjectAlphabet))
	for c, n := range counts {
		// Within 25% of uniform is generous for this sample size but
		// catches any alphabet or modulo bias.
		assert.InDelta(t, expected, float64(n), expected*0.25, "character %q", c)
	}
	assert.Len(t, counts, len(SubjectAlphabet))
}
