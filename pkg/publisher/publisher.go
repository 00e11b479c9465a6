package publisher

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"time"

	"github.com/nntpvault/nntpvault/pkg/coreindex"
	"github.com/nntpvault/nntpvault/pkg/crypto"
	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/log"
	"github.com/nntpvault/nntpvault/pkg/nntp"
	"github.com/nntpvault/nntpvault/pkg/obfuscate"
	"github.com/nntpvault/nntpvault/pkg/storage"
	"github.com/nntpvault/nntpvault/pkg/types"
	"github.com/nntpvault/nntpvault/pkg/yenc"
	"github.com/rs/zerolog"
)

// Options configures index publication.
type Options struct {
	SegmentSize     int64
	Newsgroup       string
	FromHeader      string
	MessageIDSuffix string
}

// Request carries the mode-specific publish inputs.
type Request struct {
	Password     string   // protected
	Users        []string // private: authorized user ids
	ExpiresAt    time.Time
	MaxDownloads int
}

// Publisher creates shares: it seals the signed core index under a
// fresh per-share key, posts it, and wraps the key per access mode.
type Publisher struct {
	store  storage.Store
	pool   *nntp.Pool
	opts   Options
	logger zerolog.Logger
}

// New creates a publisher.
func New(store storage.Store, pool *nntp.Pool, opts Options) *Publisher {
	return &Publisher{
		store:  store,
		pool:   pool,
		opts:   opts,
		logger: log.WithComponent("publisher"),
	}
}

// Publish builds, signs, seals, and posts the core index for the
// folder's current version, then records the share. The returned
// access string is the only thing a recipient needs besides their
// credential.
func (p *Publisher) Publish(ctx context.Context, folder *types.Folder, signKey ed25519.PrivateKey, contentKey []byte, mode types.AccessMode, req Request) (*types.Share, string, error) {
	idx, err := coreindex.Build(p.store, folder, contentKey)
	if err != nil {
		return nil, "", err
	}
	signed, err := idx.Encode(signKey)
	if err != nil {
		return nil, "", err
	}

	shareIDRaw, err := crypto.RandomBytes(shareIDLen)
	if err != nil {
		return nil, "", err
	}
	shareID := base64.RawURLEncoding.EncodeToString(shareIDRaw)

	indexKey, err := crypto.NewKey()
	if err != nil {
		return nil, "", err
	}
	defer crypto.Zeroize(indexKey)

	meta, material, err := wrapIndexKey(mode, indexKey, req)
	if err != nil {
		return nil, "", err
	}

	blob, err := coreindex.Seal(signed, indexKey)
	if err != nil {
		return nil, "", err
	}
	messageIDs, err := p.postIndex(ctx, blob)
	if err != nil {
		return nil, "", err
	}

	share := &types.Share{
		ID:              shareID,
		FolderID:        folder.ID,
		Version:         folder.CurrentVersion,
		AccessMode:      mode,
		IndexMessageIDs: messageIDs,
		AccessMetadata:  *meta,
		CreatedAt:       time.Now().UTC(),
		ExpiresAt:       req.ExpiresAt,
		MaxDownloads:    req.MaxDownloads,
	}
	if err := p.store.CreateShare(share); err != nil {
		return nil, "", err
	}

	material.ShareID = shareID
	material.Mode = mode
	material.IndexMessageIDs = messageIDs
	token, err := EncodeAccessString(material)
	if err != nil {
		return nil, "", err
	}

	p.logger.Info().
		Str("share_id", shareID).
		Str("mode", string(mode)).
		Int("index_segments", len(messageIDs)).
		Msg("Published share")
	return share, token, nil
}

// wrapIndexKey produces the stored access metadata and the matching
// token material for one access mode.
func wrapIndexKey(mode types.AccessMode, indexKey []byte, req Request) (*types.AccessMetadata, *AccessMaterial, error) {
	switch mode {
	case types.AccessPublic:
		material := &AccessMaterial{IndexKey: append([]byte(nil), indexKey...)}
		return &types.AccessMetadata{}, material, nil

	case types.AccessProtected:
		if req.Password == "" {
			return nil, nil, errdefs.InvalidInput.New("protected share requires a password")
		}
		salt, err := crypto.RandomBytes(16)
		if err != nil {
			return nil, nil, err
		}
		params := crypto.DefaultArgon2Params()
		wrapKey := crypto.DerivePasswordKey(req.Password, salt, params)
		defer crypto.Zeroize(wrapKey)
		wrapped, err := crypto.EncryptBlob(wrapKey, indexKey)
		if err != nil {
			return nil, nil, err
		}
		kdf := types.KDFParams{Time: params.Time, Memory: params.Memory, Threads: params.Threads, KeyLen: params.KeyLen}
		meta := &types.AccessMetadata{Salt: salt, KDFParams: kdf, WrappedKey: wrapped}
		material := &AccessMaterial{Salt: salt, KDFParams: kdf, WrappedKey: wrapped}
		return meta, material, nil

	case types.AccessPrivate:
		if len(req.Users) == 0 {
			return nil, nil, errdefs.InvalidInput.New("private share requires at least one authorized user")
		}
		seed, err := crypto.NewKey()
		if err != nil {
			return nil, nil, err
		}
		meta := &types.AccessMetadata{KeySeed: seed}
		for _, userID := range req.Users {
			wrapped, commitment, err := wrapForUser(seed, indexKey, userID)
			if err != nil {
				return nil, nil, err
			}
			meta.WrappedKeys = append(meta.WrappedKeys, *wrapped)
			meta.Commitments = append(meta.Commitments, *commitment)
		}
		material := &AccessMaterial{
			KeySeed:     seed,
			Commitments: meta.Commitments,
			WrappedKeys: publicWrappedKeys(meta.WrappedKeys),
		}
		return meta, material, nil
	}
	return nil, nil, errdefs.InvalidInput.New("unknown access mode: %s", mode)
}

// wrapForUser wraps the index key for one authorized user and
// commits to their membership.
func wrapForUser(seed []byte, indexKey []byte, userID string) (*types.WrappedUserKey, *types.Commitment, error) {
	salt := WrapSalt(userID)
	wrapKey, err := DeriveUserWrapKey(seed, salt)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Zeroize(wrapKey)
	wrapped, err := crypto.EncryptBlob(wrapKey, indexKey)
	if err != nil {
		return nil, nil, err
	}

	r, err := crypto.RandomBytes(16)
	if err != nil {
		return nil, nil, err
	}
	return &types.WrappedUserKey{
			UserIDHash: LookupHash(userID),
			WrappedKey: wrapped,
			WrapSalt:   salt,
		}, &types.Commitment{
			Value: crypto.HMACSHA256(r, []byte(userID)),
			R:     r,
		}, nil
}

// publicWrappedKeys strips the owner-only wrap salts before the
// entries leave the store.
func publicWrappedKeys(keys []types.WrappedUserKey) []types.WrappedUserKey {
	out := make([]types.WrappedUserKey, len(keys))
	for i, w := range keys {
		out[i] = types.WrappedUserKey{UserIDHash: w.UserIDHash, WrappedKey: w.WrappedKey}
	}
	return out
}

// UpdateAuthorization recomputes the private-mode key wrapping for a
// changed authorized set, re-seals the unchanged index under a fresh
// key, and reposts only the index. Content segments are untouched;
// the share row update is one transaction.
func (p *Publisher) UpdateAuthorization(ctx context.Context, folder *types.Folder, signKey ed25519.PrivateKey, contentKey []byte, share *types.Share, add, remove []string) (string, error) {
	if share.AccessMode != types.AccessPrivate {
		return "", errdefs.InvalidInput.New("share %s is not private", share.ID)
	}

	meta := share.AccessMetadata

	// Drop removed users. Raw ids are only known for the removal
	// call itself; matching runs over the stored lookup hashes and
	// commitment randomness.
	for _, userID := range remove {
		lookup := LookupHash(userID)
		kept := meta.WrappedKeys[:0]
		for _, w := range meta.WrappedKeys {
			if !crypto.HMACEqual(w.UserIDHash, lookup) {
				kept = append(kept, w)
			}
		}
		meta.WrappedKeys = kept

		keptC := meta.Commitments[:0]
		for _, c := range meta.Commitments {
			if !crypto.HMACEqual(c.Value, crypto.HMACSHA256(c.R, []byte(userID))) {
				keptC = append(keptC, c)
			}
		}
		meta.Commitments = keptC
	}

	for _, userID := range add {
		lookup := LookupHash(userID)
		for _, w := range meta.WrappedKeys {
			if crypto.HMACEqual(w.UserIDHash, lookup) {
				return "", errdefs.DuplicateEntity.New("user already authorized")
			}
		}
		meta.WrappedKeys = append(meta.WrappedKeys, types.WrappedUserKey{UserIDHash: lookup})
		meta.Commitments = append(meta.Commitments, types.Commitment{})
	}
	if len(meta.WrappedKeys) == 0 {
		return "", errdefs.InvalidInput.New("authorization update would leave no authorized users")
	}

	// Fresh index key and seed; every remaining entry is re-wrapped
	// from its stored salt, added entries from their raw id.
	indexKey, err := crypto.NewKey()
	if err != nil {
		return "", err
	}
	defer crypto.Zeroize(indexKey)
	seed, err := crypto.NewKey()
	if err != nil {
		return "", err
	}
	meta.KeySeed = seed

	addIdx := 0
	for i := range meta.WrappedKeys {
		w := &meta.WrappedKeys[i]
		if len(w.WrapSalt) == 0 {
			// Newly added entry; fill in from the raw id.
			userID := add[addIdx]
			addIdx++
			wrapped, commitment, err := wrapForUser(seed, indexKey, userID)
			if err != nil {
				return "", err
			}
			*w = *wrapped
			meta.Commitments[i] = *commitment
			continue
		}
		wrapKey, err := DeriveUserWrapKey(seed, w.WrapSalt)
		if err != nil {
			return "", err
		}
		wrapped, err := crypto.EncryptBlob(wrapKey, indexKey)
		crypto.Zeroize(wrapKey)
		if err != nil {
			return "", err
		}
		w.WrappedKey = wrapped
	}

	// The index content is unchanged; only the wrapping changes.
	idx, err := coreindex.Build(p.store, folder, contentKey)
	if err != nil {
		return "", err
	}
	signed, err := idx.Encode(signKey)
	if err != nil {
		return "", err
	}
	blob, err := coreindex.Seal(signed, indexKey)
	if err != nil {
		return "", err
	}
	messageIDs, err := p.postIndex(ctx, blob)
	if err != nil {
		return "", err
	}

	share.AccessMetadata = meta
	share.IndexMessageIDs = messageIDs
	if err := p.store.UpdateShare(share); err != nil {
		return "", err
	}

	material := &AccessMaterial{
		ShareID:         share.ID,
		Mode:            types.AccessPrivate,
		IndexMessageIDs: messageIDs,
		KeySeed:         seed,
		Commitments:     meta.Commitments,
		WrappedKeys:     publicWrappedKeys(meta.WrappedKeys),
	}
	token, err := EncodeAccessString(material)
	if err != nil {
		return "", err
	}

	p.logger.Info().
		Str("share_id", share.ID).
		Int("added", len(add)).
		Int("removed", len(remove)).
		Msg("Updated share authorization")
	return token, nil
}

// postIndex splits the sealed index into standard-size chunks and
// posts each as its own obfuscated article. The ordered message ids
// are the share's index locator.
func (p *Publisher) postIndex(ctx context.Context, blob []byte) ([]string, error) {
	var messageIDs []string
	for off := int64(0); off < int64(len(blob)) || off == 0; off += p.opts.SegmentSize {
		end := min(off+p.opts.SegmentSize, int64(len(blob)))
		chunk := blob[off:end]

		subject, err := obfuscate.ExternalSubject()
		if err != nil {
			return nil, err
		}
		messageID, err := obfuscate.MessageID(p.opts.MessageIDSuffix)
		if err != nil {
			return nil, err
		}
		body, err := yenc.EncodeToBytes(subject, chunk)
		if err != nil {
			return nil, err
		}
		article := &nntp.Article{
			MessageID: messageID,
			Subject:   subject,
			From:      p.opts.FromHeader,
			Newsgroup: p.opts.Newsgroup,
			Body:      body,
		}
		if err := p.pool.Post(ctx, article); err != nil {
			return nil, err
		}
		messageIDs = append(messageIDs, messageID)
	}
	return messageIDs, nil
}

// --- private-mode derivations shared with the retriever ---

// LookupHash is the published, domain-separated hash a recipient uses
// to find their wrapped key entry.
func LookupHash(userID string) []byte {
	return crypto.HashSHA256([]byte("nntpvault lookup v1" + userID))
}

// WrapSalt is the secret-side hash of the user id that salts the
// wrapping key derivation. Knowing the published lookup hash does not
// reveal it.
func WrapSalt(userID string) []byte {
	return crypto.HashSHA256([]byte("nntpvault wrap v1" + userID))
}

// DeriveUserWrapKey derives one user's index-key wrapping key.
func DeriveUserWrapKey(seed, wrapSalt []byte) ([]byte, error) {
	return crypto.DeriveKey(seed, wrapSalt, "user index key v1")
}

// VerifyCommitment checks whether the presented user id matches one
// commitment without learning anything else about the set.
func VerifyCommitment(c types.Commitment, userID string) bool {
	return crypto.HMACEqual(c.Value, crypto.HMACSHA256(c.R, []byte(userID)))
}
