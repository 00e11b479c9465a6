package retriever

import (
	"testing"

	"github.com/nntpvault/nntpvault/pkg/crypto"
	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/publisher"
	"github.com/nntpvault/nntpvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveIndexKeyPublic(t *testing.T) {
	indexKey, _ := crypto.NewKey()
	material := &publisher.AccessMaterial{Mode: types.AccessPublic, IndexKey: indexKey}

	got, err := deriveIndexKey(material, Credentials{})
	require.NoError(t, err)
	assert.Equal(t, indexKey, got)
}

func protectedMaterial(t *testing.T, password string) (*publisher.AccessMaterial, []byte) {
	t.Helper()
	indexKey, _ := crypto.NewKey()
	salt, _ := crypto.RandomBytes(16)
	params := crypto.DefaultArgon2Params()
	wrapKey := crypto.DerivePasswordKey(password, salt, params)
	wrapped, err := crypto.EncryptBlob(wrapKey, indexKey)
	require.NoError(t, err)

	return &publisher.AccessMaterial{
		Mode:       types.AccessProtected,
		Salt:       salt,
		KDFParams:  types.KDFParams{Time: params.Time, Memory: params.Memory, Threads: params.Threads, KeyLen: params.KeyLen},
		WrappedKey: wrapped,
	}, indexKey
}

func TestDeriveIndexKeyProtected(t *testing.T) {
	material, indexKey := protectedMaterial(t, "P@ss!")

	got, err := deriveIndexKey(material, Credentials{Password: "P@ss!"})
	require.NoError(t, err)
	assert.Equal(t, indexKey, got)

	// A wrong password fails authenticated decryption; never a
	// decrypted index.
	_, err = deriveIndexKey(material, Credentials{Password: "P@ss?"})
	assert.True(t, errdefs.AccessDenied.Has(err))

	_, err = deriveIndexKey(material, Credentials{})
	assert.True(t, errdefs.AccessDenied.Has(err))
}

func privateMaterial(t *testing.T, users ...string) (*publisher.AccessMaterial, []byte) {
	t.Helper()
	indexKey, _ := crypto.NewKey()
	seed, _ := crypto.NewKey()

	material := &publisher.AccessMaterial{Mode: types.AccessPrivate, KeySeed: seed}
	for _, u := range users {
		wrapKey, err := publisher.DeriveUserWrapKey(seed, publisher.WrapSalt(u))
		require.NoError(t, err)
		wrapped, err := crypto.EncryptBlob(wrapKey, indexKey)
		require.NoError(t, err)
		r, _ := crypto.RandomBytes(16)
		material.WrappedKeys = append(material.WrappedKeys, types.WrappedUserKey{
			UserIDHash: publisher.LookupHash(u),
			WrappedKey: wrapped,
		})
		material.Commitments = append(material.Commitments, types.Commitment{
			Value: crypto.HMACSHA256(r, []byte(u)),
			R:     r,
		})
	}
	return material, indexKey
}

func TestDeriveIndexKeyPrivate(t *testing.T) {
	material, indexKey := privateMaterial(t, "u-alice", "u-bob")

	for _, u := range []string{"u-alice", "u-bob"} {
		got, err := deriveIndexKey(material, Credentials{UserID: u})
		require.NoError(t, err)
		assert.Equal(t, indexKey, got)
	}

	_, err := deriveIndexKey(material, Credentials{UserID: "u-carol"})
	assert.True(t, errdefs.AccessDenied.Has(err))

	_, err = deriveIndexKey(material, Credentials{})
	assert.True(t, errdefs.AccessDenied.Has(err))
}

func TestMatchSelection(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		selection []string
		want      bool
	}{
		{"empty selects all", "a/b.txt", nil, true},
		{"exact match", "a/b.txt", []string{"a/b.txt"}, true},
		{"directory prefix", "a/b/c.txt", []string{"a"}, true},
		{"directory prefix with slash", "a/b/c.txt", []string{"a/"}, true},
		{"sibling not matched", "ab/c.txt", []string{"a"}, false},
		{"other file", "a/b.txt", []string{"x.txt"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchSelection(tt.path, tt.selection))
		})
	}
}
