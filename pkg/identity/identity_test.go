package identity

import (
	"regexp"
	"testing"

	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/log"
	"github.com/nntpvault/nntpvault/pkg/storage"
	"github.com/nntpvault/nntpvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestManager(t *testing.T, dataDir string) (*Manager, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m, err := NewManager(store, dataDir)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, store
}

func TestInitializeUserIdempotent(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())

	first, err := m.InitializeUser("alice")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), first.UserID)

	second, err := m.InitializeUser("someone else")
	require.NoError(t, err)
	assert.Equal(t, first.UserID, second.UserID)
	assert.Equal(t, "alice", second.DisplayName)
}

func TestFolderKeysGenerateOnce(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())

	folder := &types.Folder{ID: "f1", Path: "/p"}
	require.NoError(t, m.GenerateFolderKeys(folder))
	assert.NotEmpty(t, folder.PublicKey)
	assert.NotEmpty(t, folder.PrivateKeyEnc)

	err := m.GenerateFolderKeys(folder)
	assert.True(t, errdefs.KeyAlreadyExists.Has(err))
}

func TestFolderKeysStableAcrossRestart(t *testing.T) {
	dataDir := t.TempDir()
	store, err := storage.NewBoltStore(dataDir)
	require.NoError(t, err)

	m1, err := NewManager(store, dataDir)
	require.NoError(t, err)

	folder := &types.Folder{ID: "f1", Path: "/p"}
	require.NoError(t, m1.GenerateFolderKeys(folder))
	require.NoError(t, store.CreateFolder(folder))

	pub1, priv1, err := m1.LoadFolderKeys(folder)
	require.NoError(t, err)
	m1.Close()
	require.NoError(t, store.Close())

	// Fresh process: same keystore file, same keys.
	store2, err := storage.NewBoltStore(dataDir)
	require.NoError(t, err)
	defer store2.Close()
	m2, err := NewManager(store2, dataDir)
	require.NoError(t, err)
	defer m2.Close()

	reloaded, err := store2.GetFolder("f1")
	require.NoError(t, err)
	pub2, priv2, err := m2.LoadFolderKeys(reloaded)
	require.NoError(t, err)

	assert.Equal(t, pub1, pub2)
	assert.Equal(t, priv1, priv2)
}

func TestPrivateKeyNotStoredInCleartext(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())

	folder := &types.Folder{ID: "f1", Path: "/p"}
	require.NoError(t, m.GenerateFolderKeys(folder))

	_, priv, err := m.LoadFolderKeys(folder)
	require.NoError(t, err)
	assert.NotContains(t, string(folder.PrivateKeyEnc), string(priv))
}
