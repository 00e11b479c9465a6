package indexer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/log"
	"github.com/nntpvault/nntpvault/pkg/metrics"
	"github.com/nntpvault/nntpvault/pkg/storage"
	"github.com/nntpvault/nntpvault/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// prefixLen is how much of a file feeds the cheap change-detection
// hash.
const prefixLen = 1 << 20

// Options tunes the indexer.
type Options struct {
	BatchSize int // file rows per bulk insert
	Workers   int // concurrent hashing goroutines
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	return o
}

// FileError records a file the indexer had to skip.
type FileError struct {
	Path string
	Err  string
}

// IndexResult summarizes an initial index run.
type IndexResult struct {
	Files  int64
	Bytes  int64
	Errors []FileError
}

// ChangeSet classifies the outcome of a re-index.
type ChangeSet struct {
	Added    []string
	Modified []string
	Deleted  []string
	Errors   []FileError
}

// Empty reports whether the re-index found no changes.
func (c *ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0
}

// Indexer walks managed folders and keeps the file rows current.
type Indexer struct {
	store  storage.Store
	opts   Options
	logger zerolog.Logger
}

// New creates an indexer.
func New(store storage.Store, opts Options) *Indexer {
	return &Indexer{
		store:  store,
		opts:   opts.withDefaults(),
		logger: log.WithComponent("indexer"),
	}
}

// IndexFolder performs the initial index of a folder. Phase A is a
// cheap walk that sizes the work for progress bounds; phase B hashes
// files with bounded concurrency and writes rows in batches.
// Unreadable files are recorded and skipped; the run succeeds if any
// file does.
func (ix *Indexer) IndexFolder(ctx context.Context, folder *types.Folder, progress func(done, total int64)) (*IndexResult, error) {
	totalFiles, _, err := ix.walkCounts(ctx, folder.Path)
	if err != nil {
		return nil, err
	}

	result := &IndexResult{}
	var (
		mu      sync.Mutex
		pending []*types.File
		done    int64
	)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := ix.store.BulkInsertFiles(pending); err != nil {
			return err
		}
		pending = nil
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.opts.Workers)

	walkErr := filepath.WalkDir(folder.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			mu.Lock()
			result.Errors = append(result.Errors, FileError{Path: path, Err: err.Error()})
			mu.Unlock()
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if err := gctx.Err(); err != nil {
			return errdefs.Cancelled.Wrap(err)
		}

		rel, err := filepath.Rel(folder.Path, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		g.Go(func() error {
			row, ferr := ix.scanFile(folder, rel, path)
			mu.Lock()
			defer mu.Unlock()
			if ferr != nil {
				result.Errors = append(result.Errors, FileError{Path: rel, Err: ferr.Error()})
				return nil
			}
			pending = append(pending, row)
			result.Files++
			result.Bytes += row.Size
			done++
			if progress != nil {
				progress(done, totalFiles)
			}
			metrics.FilesIndexed.Inc()
			if len(pending) >= ix.opts.BatchSize {
				return flush()
			}
			return nil
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if walkErr != nil {
		return nil, walkErr
	}

	mu.Lock()
	defer mu.Unlock()
	if err := flush(); err != nil {
		return nil, err
	}
	return result, nil
}

// walkCounts is phase A: count files and bytes without opening them.
func (ix *Indexer) walkCounts(ctx context.Context, root string) (files, bytes int64, err error) {
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // phase B records the error
		}
		if cerr := ctx.Err(); cerr != nil {
			return errdefs.Cancelled.Wrap(cerr)
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		files++
		if info, err := d.Info(); err == nil {
			bytes += info.Size()
		}
		return nil
	})
	return files, bytes, err
}

// scanFile hashes one file with a streaming reader.
func (ix *Indexer) scanFile(folder *types.Folder, rel, path string) (*types.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	full := sha256.New()
	prefix := sha256.New()
	if _, err := io.Copy(io.MultiWriter(full, prefix), io.LimitReader(f, prefixLen)); err != nil {
		return nil, err
	}
	if _, err := io.Copy(full, f); err != nil {
		return nil, err
	}

	return &types.File{
		ID:          uuid.New().String(),
		FolderID:    folder.ID,
		Path:        rel,
		Size:        info.Size(),
		ContentHash: full.Sum(nil),
		PrefixHash:  prefix.Sum(nil),
		Version:     folder.CurrentVersion,
		ModifiedAt:  info.ModTime(),
		State:       types.FileStateIndexed,
	}, nil
}

// ReindexFolder compares the tree against the stored rows. A file is
// rechecked with a full hash only when (size, mtime, first-megabyte
// hash) disagree. Modified files get a new version; deleted files are
// tombstoned.
func (ix *Indexer) ReindexFolder(ctx context.Context, folder *types.Folder) (*ChangeSet, error) {
	existing := map[string]*types.File{}
	err := ix.store.StreamFilesByFolder(folder.ID, func(f *types.File) error {
		if f.State != types.FileStateDeleted {
			existing[f.Path] = f
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	changes := &ChangeSet{}
	seen := map[string]bool{}
	var added []*types.File

	walkErr := filepath.WalkDir(folder.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			changes.Errors = append(changes.Errors, FileError{Path: path, Err: err.Error()})
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return errdefs.Cancelled.Wrap(cerr)
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(folder.Path, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		seen[rel] = true

		prev, ok := existing[rel]
		if !ok {
			row, ferr := ix.scanFile(folder, rel, path)
			if ferr != nil {
				changes.Errors = append(changes.Errors, FileError{Path: rel, Err: ferr.Error()})
				return nil
			}
			added = append(added, row)
			changes.Added = append(changes.Added, rel)
			return nil
		}

		changed, ferr := ix.fileChanged(prev, path)
		if ferr != nil {
			changes.Errors = append(changes.Errors, FileError{Path: rel, Err: ferr.Error()})
			return nil
		}
		if !changed {
			return nil
		}

		row, ferr := ix.scanFile(folder, rel, path)
		if ferr != nil {
			changes.Errors = append(changes.Errors, FileError{Path: rel, Err: ferr.Error()})
			return nil
		}
		if bytes.Equal(row.ContentHash, prev.ContentHash) {
			// Metadata-only change (touch); keep the stored row.
			return nil
		}
		prev.Size = row.Size
		prev.ContentHash = row.ContentHash
		prev.PrefixHash = row.PrefixHash
		prev.ModifiedAt = row.ModifiedAt
		prev.Version = folder.CurrentVersion
		prev.State = types.FileStateModified
		if err := ix.store.UpdateFile(prev); err != nil {
			return err
		}
		changes.Modified = append(changes.Modified, rel)
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	if err := ix.store.BulkInsertFiles(added); err != nil {
		return nil, err
	}

	for rel, prev := range existing {
		if seen[rel] {
			continue
		}
		prev.State = types.FileStateDeleted
		if err := ix.store.UpdateFile(prev); err != nil {
			return nil, err
		}
		changes.Deleted = append(changes.Deleted, rel)
	}

	ix.logger.Info().
		Int("added", len(changes.Added)).
		Int("modified", len(changes.Modified)).
		Int("deleted", len(changes.Deleted)).
		Msg("Re-index complete")
	return changes, nil
}

// fileChanged is the cheap three-way check before a full re-hash.
func (ix *Indexer) fileChanged(prev *types.File, path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if info.Size() != prev.Size {
		return true, nil
	}
	if !info.ModTime().Equal(prev.ModifiedAt) {
		return true, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	prefix := sha256.New()
	if _, err := io.Copy(prefix, io.LimitReader(f, prefixLen)); err != nil {
		return false, err
	}
	return !bytes.Equal(prefix.Sum(nil), prev.PrefixHash), nil
}

// Describe renders a change set for logs.
func (c *ChangeSet) Describe() string {
	return fmt.Sprintf("%d added, %d modified, %d deleted, %d errors",
		len(c.Added), len(c.Modified), len(c.Deleted), len(c.Errors))
}
