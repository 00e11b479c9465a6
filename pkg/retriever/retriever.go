package retriever

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nntpvault/nntpvault/pkg/coreindex"
	"github.com/nntpvault/nntpvault/pkg/crypto"
	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/log"
	"github.com/nntpvault/nntpvault/pkg/metrics"
	"github.com/nntpvault/nntpvault/pkg/nntp"
	"github.com/nntpvault/nntpvault/pkg/publisher"
	"github.com/nntpvault/nntpvault/pkg/types"
	"github.com/nntpvault/nntpvault/pkg/yenc"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Options tunes retrieval.
type Options struct {
	Workers int
}

// Credentials is what the caller presents for protected and private
// shares.
type Credentials struct {
	Password string
	UserID   string
}

// DownloadOptions shape the on-disk result.
type DownloadOptions struct {
	PreserveStructure bool
	SkipExisting      bool
	VerifyIntegrity   bool
	Selection         []string // relative paths or directory prefixes; empty selects all
}

// DefaultDownloadOptions returns the documented defaults.
func DefaultDownloadOptions() DownloadOptions {
	return DownloadOptions{PreserveStructure: true, VerifyIntegrity: true}
}

// DownloadResult reports what was reconstructed.
type DownloadResult struct {
	Files      int
	Bytes      int64
	Incomplete []string // files with at least one unrecoverable segment
	Skipped    []string
}

// Retriever is the read side of the pipeline: it turns an access
// string plus a credential into files on disk. It is the sole access
// gate; content segments are opaque ciphertexts until the index key
// is derived.
type Retriever struct {
	pool   *nntp.Pool
	opts   Options
	logger zerolog.Logger
}

// New creates a retriever.
func New(pool *nntp.Pool, opts Options) *Retriever {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Retriever{
		pool:   pool,
		opts:   opts,
		logger: log.WithComponent("retriever"),
	}
}

// Manifest fetches and opens just the core index, for callers that
// present the file list before a selective download.
func (r *Retriever) Manifest(ctx context.Context, accessString string, creds Credentials) (*coreindex.Index, error) {
	material, err := publisher.DecodeAccessString(accessString)
	if err != nil {
		return nil, err
	}
	idx, _, err := r.openIndex(ctx, material, creds)
	return idx, err
}

// Download runs the full retrieval pipeline into destination.
func (r *Retriever) Download(ctx context.Context, accessString string, creds Credentials, destination string, opts DownloadOptions, progress func(done, total int64)) (*DownloadResult, error) {
	material, err := publisher.DecodeAccessString(accessString)
	if err != nil {
		return nil, err
	}

	idx, _, err := r.openIndex(ctx, material, creds)
	if err != nil {
		return nil, err
	}

	files := selectFiles(idx, opts.Selection)
	if len(files) == 0 {
		return nil, errdefs.InvalidInput.New("selection matches no files")
	}

	// Packed groups referenced by the selection are fetched once and
	// sliced per member file.
	groups := map[string]*coreindex.PackedGroupEntry{}
	for i := range idx.PackedGroups {
		groups[idx.PackedGroups[i].GroupID] = &idx.PackedGroups[i]
	}

	var totalSegments int64
	neededGroups := map[string]bool{}
	for _, f := range files {
		if f.Packed != nil {
			if !neededGroups[f.Packed.GroupID] {
				neededGroups[f.Packed.GroupID] = true
				totalSegments++
			}
		} else {
			totalSegments += int64(len(f.Segments))
		}
	}

	fetch := &fetcher{
		r:          r,
		idx:        idx,
		contentKey: idx.ContentKey,
		progress:   progress,
		total:      totalSegments,
	}

	result := &DownloadResult{}
	groupData := map[string][]byte{}
	var groupMu sync.Mutex

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, errdefs.Cancelled.Wrap(err)
		}

		target := filepath.Join(destination, filepath.FromSlash(f.Path))
		if !opts.PreserveStructure {
			target = filepath.Join(destination, path.Base(f.Path))
		}
		if opts.SkipExisting {
			if _, err := os.Stat(target); err == nil {
				result.Skipped = append(result.Skipped, f.Path)
				continue
			}
		}

		var writeErr error
		if f.Packed != nil {
			writeErr = r.writePackedFile(ctx, fetch, groups[f.Packed.GroupID], f, target, groupData, &groupMu)
		} else {
			writeErr = r.writeSegmentedFile(ctx, fetch, f, target)
		}
		switch {
		case writeErr == nil:
		case errdefs.Cancelled.Has(writeErr):
			return nil, writeErr
		case errdefs.PartialResult.Has(writeErr) || errdefs.PermanentFetchFailure.Has(writeErr) || errdefs.IntegrityError.Has(writeErr):
			r.logger.Warn().Err(writeErr).Str("path", f.Path).Msg("File incomplete")
			result.Incomplete = append(result.Incomplete, f.Path)
			continue
		default:
			return nil, writeErr
		}

		if opts.VerifyIntegrity {
			if err := verifyFile(target, f); err != nil {
				result.Incomplete = append(result.Incomplete, f.Path)
				r.logger.Warn().Err(err).Str("path", f.Path).Msg("Integrity check failed")
				continue
			}
		}
		result.Files++
		result.Bytes += f.Size
	}
	return result, nil
}

// openIndex fetches the sealed index and derives the index key per
// access mode. Every failure to derive is AccessDenied; a bad
// signature after decryption is IntegrityError.
func (r *Retriever) openIndex(ctx context.Context, material *publisher.AccessMaterial, creds Credentials) (*coreindex.Index, []byte, error) {
	var blob []byte
	for _, messageID := range material.IndexMessageIDs {
		body, err := r.pool.Fetch(ctx, messageID)
		if err != nil {
			return nil, nil, err
		}
		chunk, err := yenc.Decode(body)
		if err != nil {
			return nil, nil, errdefs.IntegrityError.New("index segment is corrupt: %v", err)
		}
		blob = append(blob, chunk...)
	}

	indexKey, err := deriveIndexKey(material, creds)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Zeroize(indexKey)

	signed, err := coreindex.Open(blob, indexKey)
	if err != nil {
		return nil, nil, err
	}
	idx, err := coreindex.Decode(signed)
	if err != nil {
		return nil, nil, err
	}
	return idx, indexKey, nil
}

// deriveIndexKey is the closed dispatch over access modes; every
// branch is handled here.
func deriveIndexKey(material *publisher.AccessMaterial, creds Credentials) ([]byte, error) {
	switch material.Mode {
	case types.AccessPublic:
		if len(material.IndexKey) != crypto.KeySize {
			return nil, errdefs.InvalidInput.New("access string carries no index key")
		}
		return append([]byte(nil), material.IndexKey...), nil

	case types.AccessProtected:
		if creds.Password == "" {
			return nil, errdefs.AccessDenied.New("share requires a password")
		}
		params := crypto.Argon2Params{
			Time:    material.KDFParams.Time,
			Memory:  material.KDFParams.Memory,
			Threads: material.KDFParams.Threads,
			KeyLen:  material.KDFParams.KeyLen,
		}
		wrapKey := crypto.DerivePasswordKey(creds.Password, material.Salt, params)
		defer crypto.Zeroize(wrapKey)
		indexKey, err := crypto.DecryptBlob(wrapKey, material.WrappedKey)
		if err != nil {
			return nil, errdefs.AccessDenied.New("wrong password")
		}
		return indexKey, nil

	case types.AccessPrivate:
		if creds.UserID == "" {
			return nil, errdefs.AccessDenied.New("share requires a user identity")
		}
		matched := false
		for _, c := range material.Commitments {
			if publisher.VerifyCommitment(c, creds.UserID) {
				matched = true
				break
			}
		}
		if !matched {
			return nil, errdefs.AccessDenied.New("identity is not authorized")
		}

		lookup := publisher.LookupHash(creds.UserID)
		for _, w := range material.WrappedKeys {
			if !crypto.HMACEqual(w.UserIDHash, lookup) {
				continue
			}
			wrapKey, err := publisher.DeriveUserWrapKey(material.KeySeed, publisher.WrapSalt(creds.UserID))
			if err != nil {
				return nil, err
			}
			defer crypto.Zeroize(wrapKey)
			indexKey, err := crypto.DecryptBlob(wrapKey, w.WrappedKey)
			if err != nil {
				return nil, errdefs.AccessDenied.New("identity is not authorized")
			}
			return indexKey, nil
		}
		return nil, errdefs.AccessDenied.New("identity is not authorized")
	}
	return nil, errdefs.InvalidInput.New("unknown access mode: %s", material.Mode)
}

// selectFiles applies the caller's subset, matching exact paths and
// directory prefixes.
func selectFiles(idx *coreindex.Index, selection []string) []*coreindex.FileEntry {
	var out []*coreindex.FileEntry
	for i := range idx.Files {
		f := &idx.Files[i]
		if matchSelection(f.Path, selection) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func matchSelection(p string, selection []string) bool {
	if len(selection) == 0 {
		return true
	}
	for _, s := range selection {
		s = strings.TrimSuffix(s, "/")
		if p == s || strings.HasPrefix(p, s+"/") {
			return true
		}
	}
	return false
}

// fetcher downloads and decrypts plaintext segments with redundancy
// fallback.
type fetcher struct {
	r          *Retriever
	idx        *coreindex.Index
	contentKey []byte
	progress   func(done, total int64)
	total      int64
	done       atomic.Int64
}

// segment fetches one plaintext segment, walking replicas in
// redundancy order. A replica is rejected on fetch failure,
// decryption failure, or hash mismatch; the next replica is tried.
func (f *fetcher) segment(ctx context.Context, entry *coreindex.SegmentEntry) ([]byte, error) {
	var lastErr error
	for _, rep := range entry.Replicas {
		plaintext, err := f.replica(ctx, entry, &rep)
		if err == nil {
			if f.progress != nil {
				f.progress(f.done.Add(1), f.total)
			}
			return plaintext, nil
		}
		if errdefs.Cancelled.Has(err) {
			return nil, err
		}
		lastErr = err
		f.r.logger.Debug().Err(err).
			Str("segment_id", entry.SegmentID).
			Int("redundancy_index", rep.RedundancyIndex).
			Msg("Replica unavailable, trying next")
	}
	metrics.SegmentsMissing.Inc()
	if lastErr == nil {
		lastErr = errdefs.PermanentFetchFailure.New("segment %s has no replicas", entry.SegmentID)
	}
	return nil, lastErr
}

func (f *fetcher) replica(ctx context.Context, entry *coreindex.SegmentEntry, rep *coreindex.ReplicaEntry) ([]byte, error) {
	body, err := f.r.pool.Fetch(ctx, rep.MessageID)
	if err != nil {
		return nil, err
	}
	decoded, err := yenc.Decode(body)
	if err != nil {
		return nil, errdefs.IntegrityError.New("article body is corrupt: %v", err)
	}
	if int64(len(decoded)) < rep.CiphertextSize {
		return nil, errdefs.IntegrityError.New("article body is truncated")
	}
	ciphertext := decoded[:rep.CiphertextSize] // trailer padding stripped

	aad := crypto.SegmentAAD(entry.SegmentID, rep.RedundancyIndex, f.idx.FolderID)
	plaintext, err := crypto.Decrypt(f.contentKey, rep.Nonce, ciphertext, aad)
	if err != nil {
		return nil, errdefs.IntegrityError.New("segment decryption failed")
	}
	if !bytes.Equal(crypto.HashSHA256(plaintext), entry.ContentHash) {
		return nil, errdefs.IntegrityError.New("segment hash mismatch")
	}
	return plaintext, nil
}

// writeSegmentedFile reconstructs a regular file, fetching its
// segments concurrently and writing each at its offset.
func (r *Retriever) writeSegmentedFile(ctx context.Context, fetch *fetcher, f *coreindex.FileEntry, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()
	if err := out.Truncate(f.Size); err != nil {
		return err
	}

	segSize := fetch.idx.Stats.SegmentSize
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for i := range f.Segments {
		entry := &f.Segments[i]
		g.Go(func() error {
			plaintext, err := fetch.segment(gctx, entry)
			if err != nil {
				return err
			}
			_, werr := out.WriteAt(plaintext, int64(entry.SegmentIndex)*segSize)
			return werr
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return out.Sync()
}

// writePackedFile slices one member file out of its packed group.
func (r *Retriever) writePackedFile(ctx context.Context, fetch *fetcher, group *coreindex.PackedGroupEntry, f *coreindex.FileEntry, target string, cache map[string][]byte, mu *sync.Mutex) error {
	if group == nil {
		return errdefs.IntegrityError.New("index references unknown packed group")
	}

	mu.Lock()
	plaintext, ok := cache[group.GroupID]
	mu.Unlock()
	if !ok {
		var err error
		plaintext, err = fetch.segment(ctx, &group.Segment)
		if err != nil {
			return err
		}
		mu.Lock()
		cache[group.GroupID] = plaintext
		mu.Unlock()
	}

	if f.Packed.Offset+f.Packed.Length > int64(len(plaintext)) {
		return errdefs.IntegrityError.New("packed reference exceeds group size")
	}
	data := plaintext[f.Packed.Offset : f.Packed.Offset+f.Packed.Length]

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	return os.WriteFile(target, data, 0644)
}

// verifyFile re-hashes the written file against the manifest with a
// streaming reader.
func verifyFile(target string, f *coreindex.FileEntry) error {
	in, err := os.Open(target)
	if err != nil {
		return err
	}
	defer in.Close()

	h := sha256.New()
	n, err := io.Copy(h, in)
	if err != nil {
		return err
	}
	if n != f.Size {
		return errdefs.IntegrityError.New("size mismatch for %s", f.Path)
	}
	if !bytes.Equal(h.Sum(nil), f.Hash) {
		return errdefs.IntegrityError.New("content hash mismatch for %s", f.Path)
	}
	return nil
}
