package publisher

import (
	"testing"

	"github.com/nntpvault/nntpvault/pkg/crypto"
	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyCommitment(t *testing.T) {
	_, commitment, err := wrapForUser(mustKey(t), mustKey(t), "alice-user-id")
	require.NoError(t, err)

	assert.True(t, VerifyCommitment(*commitment, "alice-user-id"))
	assert.False(t, VerifyCommitment(*commitment, "bob-user-id"))
	assert.False(t, VerifyCommitment(*commitment, ""))
}

func TestWrapForUserRoundTrip(t *testing.T) {
	seed := mustKey(t)
	indexKey := mustKey(t)

	wrapped, _, err := wrapForUser(seed, indexKey, "alice-user-id")
	require.NoError(t, err)
	assert.Equal(t, LookupHash("alice-user-id"), wrapped.UserIDHash)

	// The rightful user re-derives the wrapping key from their id.
	wrapKey, err := DeriveUserWrapKey(seed, WrapSalt("alice-user-id"))
	require.NoError(t, err)
	got, err := crypto.DecryptBlob(wrapKey, wrapped.WrappedKey)
	require.NoError(t, err)
	assert.Equal(t, indexKey, got)

	// A different id derives a different key and fails to unwrap.
	wrongKey, err := DeriveUserWrapKey(seed, WrapSalt("bob-user-id"))
	require.NoError(t, err)
	_, err = crypto.DecryptBlob(wrongKey, wrapped.WrappedKey)
	assert.Error(t, err)
}

func TestLookupHashDoesNotRevealWrapSalt(t *testing.T) {
	// The published lookup hash and the secret wrap salt are domain
	// separated; equality would let anyone derive wrapping keys from
	// the token alone.
	assert.NotEqual(t, LookupHash("alice-user-id"), WrapSalt("alice-user-id"))
}

func TestWrapIndexKeyPublic(t *testing.T) {
	indexKey := mustKey(t)
	meta, material, err := wrapIndexKey(types.AccessPublic, indexKey, Request{})
	require.NoError(t, err)
	assert.Equal(t, indexKey, material.IndexKey)
	assert.Empty(t, meta.WrappedKeys)
}

func TestWrapIndexKeyProtected(t *testing.T) {
	indexKey := mustKey(t)

	_, _, err := wrapIndexKey(types.AccessProtected, indexKey, Request{})
	assert.True(t, errdefs.InvalidInput.Has(err), "missing password must be rejected")

	meta, material, err := wrapIndexKey(types.AccessProtected, indexKey, Request{Password: "P@ss!"})
	require.NoError(t, err)

	wrapKey := crypto.DerivePasswordKey("P@ss!", material.Salt, crypto.Argon2Params{
		Time:    material.KDFParams.Time,
		Memory:  material.KDFParams.Memory,
		Threads: material.KDFParams.Threads,
		KeyLen:  material.KDFParams.KeyLen,
	})
	got, err := crypto.DecryptBlob(wrapKey, meta.WrappedKey)
	require.NoError(t, err)
	assert.Equal(t, indexKey, got)

	wrongKey := crypto.DerivePasswordKey("P@ss?", material.Salt, crypto.Argon2Params{
		Time:    material.KDFParams.Time,
		Memory:  material.KDFParams.Memory,
		Threads: material.KDFParams.Threads,
		KeyLen:  material.KDFParams.KeyLen,
	})
	_, err = crypto.DecryptBlob(wrongKey, meta.WrappedKey)
	assert.Error(t, err)
}

func TestWrapIndexKeyPrivate(t *testing.T) {
	indexKey := mustKey(t)

	_, _, err := wrapIndexKey(types.AccessPrivate, indexKey, Request{})
	assert.True(t, errdefs.InvalidInput.Has(err), "empty authorized set must be rejected")

	meta, material, err := wrapIndexKey(types.AccessPrivate, indexKey, Request{Users: []string{"u-alice", "u-bob"}})
	require.NoError(t, err)
	assert.Len(t, meta.WrappedKeys, 2)
	assert.Len(t, meta.Commitments, 2)

	// Wrap salts are owner-side only.
	for _, w := range meta.WrappedKeys {
		assert.NotEmpty(t, w.WrapSalt)
	}
	for _, w := range material.WrappedKeys {
		assert.Empty(t, w.WrapSalt)
	}

	// Both users can unwrap; a stranger matches no commitment.
	for _, u := range []string{"u-alice", "u-bob"} {
		matched := false
		for _, c := range material.Commitments {
			if VerifyCommitment(c, u) {
				matched = true
			}
		}
		assert.True(t, matched, "user %s", u)
	}
	for _, c := range material.Commitments {
		assert.False(t, VerifyCommitment(c, "u-carol"))
	}
}

func mustKey(t *testing.T) []byte {
	t.Helper()
	k, err := crypto.NewKey()
	require.NoError(t, err)
	return k
}
