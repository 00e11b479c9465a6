package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nntpvault/nntpvault/pkg/crypto"
	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/log"
	"github.com/nntpvault/nntpvault/pkg/storage"
	"github.com/nntpvault/nntpvault/pkg/types"
	"github.com/rs/zerolog"
)

const masterKeyFile = "master.key"

// Manager owns the permanent user identity, the installation master
// secret, and per-folder signing keys. Private key bytes are never
// persisted in cleartext; the master secret wraps them at rest.
type Manager struct {
	store  storage.Store
	master []byte
	logger zerolog.Logger
}

// NewManager loads the master secret from the keystore file, creating
// it on first run. The keystore is encrypted with an OS-user-scoped
// secret, the fallback the key-store contract allows when no OS
// keychain is reachable from a headless process.
func NewManager(store storage.Store, dataDir string) (*Manager, error) {
	m := &Manager{
		store:  store,
		logger: log.WithComponent("identity"),
	}

	wrapKey, err := osUserKey()
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(wrapKey)

	path := filepath.Join(dataDir, masterKeyFile)
	blob, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		master, err := crypto.NewKey()
		if err != nil {
			return nil, err
		}
		enc, err := crypto.EncryptBlob(wrapKey, master)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		if err := os.WriteFile(path, enc, 0600); err != nil {
			return nil, fmt.Errorf("failed to write keystore: %w", err)
		}
		m.master = master
		m.logger.Info().Msg("Created installation master secret")
	case err != nil:
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	default:
		master, err := crypto.DecryptBlob(wrapKey, blob)
		if err != nil {
			return nil, errdefs.Fatal.New("keystore is unreadable: %v", err)
		}
		m.master = master
	}
	return m, nil
}

// osUserKey derives the keystore wrapping key from identifiers scoped
// to this OS user.
func osUserKey() ([]byte, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	uid := strconv.Itoa(os.Getuid())
	if u, err := user.Current(); err == nil {
		uid = u.Uid
	}
	seed := crypto.HashSHA256([]byte(host + "|" + uid))
	return crypto.DeriveKey(seed, nil, "nntpvault keystore v1")
}

// Close zeroizes in-memory secrets.
func (m *Manager) Close() {
	crypto.Zeroize(m.master)
}

// MasterSecret exposes the master secret to components that derive
// working keys from it. Callers must not retain the slice.
func (m *Manager) MasterSecret() []byte {
	return m.master
}

// InitializeUser generates the permanent user id on first call and
// returns the existing user unchanged on every later call. The id is
// 256 bits of OS entropy folded through SHA-256, rendered as 64 hex
// characters. There is no recovery or export path.
func (m *Manager) InitializeUser(displayName string) (*types.User, error) {
	existing, err := m.store.GetUser()
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	entropy, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	userID := hex.EncodeToString(crypto.HashSHA256(entropy))

	user := &types.User{
		UserID:      userID,
		DisplayName: displayName,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.CreateUser(user); err != nil {
		// Lost a race with another initializer; the stored row wins.
		if errdefs.DuplicateEntity.Has(err) {
			return m.store.GetUser()
		}
		return nil, err
	}
	m.logger.Info().Msg("Initialized user identity")
	return user, nil
}

// GenerateFolderKeys creates the folder's Ed25519 signing keypair and
// stores the private key encrypted under a subkey of the master
// secret. A folder's keypair is created once and never rotated;
// regeneration fails with KeyAlreadyExists.
func (m *Manager) GenerateFolderKeys(folder *types.Folder) error {
	if len(folder.PublicKey) != 0 {
		return errdefs.KeyAlreadyExists.New("folder %s already has a signing keypair", folder.ID)
	}

	pub, priv, err := crypto.GenerateSigningKey()
	if err != nil {
		return err
	}
	defer crypto.Zeroize(priv)

	wrapKey, err := m.folderWrapKey(folder.ID)
	if err != nil {
		return err
	}
	defer crypto.Zeroize(wrapKey)

	enc, err := crypto.EncryptBlob(wrapKey, priv)
	if err != nil {
		return err
	}

	folder.PublicKey = pub
	folder.PrivateKeyEnc = enc
	return nil
}

// LoadFolderKeys decrypts and returns the folder's signing keypair.
func (m *Manager) LoadFolderKeys(folder *types.Folder) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if len(folder.PublicKey) == 0 || len(folder.PrivateKeyEnc) == 0 {
		return nil, nil, errdefs.InvalidInput.New("folder %s has no signing keypair", folder.ID)
	}

	wrapKey, err := m.folderWrapKey(folder.ID)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Zeroize(wrapKey)

	priv, err := crypto.DecryptBlob(wrapKey, folder.PrivateKeyEnc)
	if err != nil {
		return nil, nil, errdefs.Fatal.New("folder key is unreadable: %v", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, nil, errdefs.Fatal.New("folder key has wrong size: %d", len(priv))
	}
	return ed25519.PublicKey(folder.PublicKey), ed25519.PrivateKey(priv), nil
}

func (m *Manager) folderWrapKey(folderID string) ([]byte, error) {
	return crypto.DeriveKey(m.master, []byte(folderID), "folder signing key v1")
}
