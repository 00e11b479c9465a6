package segmenter

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/nntpvault/nntpvault/pkg/crypto"
	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/log"
	"github.com/nntpvault/nntpvault/pkg/metrics"
	"github.com/nntpvault/nntpvault/pkg/obfuscate"
	"github.com/nntpvault/nntpvault/pkg/storage"
	"github.com/nntpvault/nntpvault/pkg/types"
	"github.com/rs/zerolog"
)

// insertBatch is how many segment rows accumulate before a bulk
// insert.
const insertBatch = 500

// Options tunes segmentation.
type Options struct {
	SegmentSize   int64
	PackThreshold int64
	Redundancy    int
	Newsgroup     string
}

// Result summarizes one segmentation run.
type Result struct {
	Segments     int64 // plaintext segments (excluding replicas)
	Replicas     int64 // total rows written
	PackedGroups int64
}

// Segmenter splits large files into fixed-size segments and packs
// small files into shared segments. For a redundancy factor R it
// emits R rows per plaintext segment, each with its own internal and
// external subject so every replica becomes a distinct article.
type Segmenter struct {
	store  storage.Store
	opts   Options
	logger zerolog.Logger
}

// New creates a segmenter.
func New(store storage.Store, opts Options) *Segmenter {
	return &Segmenter{
		store:  store,
		opts:   opts,
		logger: log.WithComponent("segmenter"),
	}
}

// SegmentFolder re-derives all segment rows for the folder's current
// version. The run is idempotent: previous rows for the folder are
// dropped first, so a crashed run restarts cleanly.
func (s *Segmenter) SegmentFolder(ctx context.Context, folder *types.Folder, signingKey []byte, progress func(done, total int64)) (*Result, error) {
	if err := s.store.DeleteSegmentsByFolder(folder.ID); err != nil {
		return nil, err
	}
	if err := s.store.DeletePackedGroupsByFolder(folder.ID); err != nil {
		return nil, err
	}

	var total int64
	err := s.store.StreamFilesByFolder(folder.ID, func(f *types.File) error {
		if f.State != types.FileStateDeleted {
			total++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	run := &segmentRun{
		s:          s,
		folder:     folder,
		signingKey: signingKey,
		progress:   progress,
		total:      total,
	}

	err = s.store.StreamFilesByFolder(folder.ID, func(f *types.File) error {
		if err := ctx.Err(); err != nil {
			return errdefs.Cancelled.Wrap(err)
		}
		if f.State == types.FileStateDeleted {
			return nil
		}
		return run.addFile(f)
	})
	if err != nil {
		return nil, err
	}

	// Whatever small files remain form the final, possibly short,
	// packed group.
	if err := run.flushPack(); err != nil {
		return nil, err
	}
	if err := run.flushRows(); err != nil {
		return nil, err
	}
	return &run.result, nil
}

type segmentRun struct {
	s          *Segmenter
	folder     *types.Folder
	signingKey []byte
	progress   func(done, total int64)
	total      int64
	done       int64

	pending []*types.Segment
	pack    []*types.File
	packLen int64
	result  Result
}

func (r *segmentRun) addFile(f *types.File) error {
	if f.Size < r.s.opts.PackThreshold {
		// Greedy fill: flush when this file no longer fits.
		if r.packLen+f.Size > r.s.opts.SegmentSize && len(r.pack) > 0 {
			if err := r.flushPack(); err != nil {
				return err
			}
		}
		r.pack = append(r.pack, f)
		r.packLen += f.Size
		return nil
	}
	return r.segmentLargeFile(f)
}

// segmentLargeFile splits one file into ceil(size/segmentSize)
// segments via chunked reads; the file is never slurped.
func (r *segmentRun) segmentLargeFile(f *types.File) error {
	path := filepath.Join(r.folder.Path, filepath.FromSlash(f.Path))
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Path, err)
	}
	defer file.Close()

	buf := make([]byte, r.s.opts.SegmentSize)
	segIdx := 0
	for {
		n, err := io.ReadFull(file, buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return fmt.Errorf("failed to read %s: %w", f.Path, err)
		}
		if err := r.emit(f.ID, "", segIdx, buf[:n]); err != nil {
			return err
		}
		segIdx++
		if err == io.ErrUnexpectedEOF {
			break
		}
	}

	r.fileDone()
	return nil
}

// flushPack turns the buffered small files into one packed group and
// its segment rows.
func (r *segmentRun) flushPack() error {
	if len(r.pack) == 0 {
		return nil
	}

	group := &types.PackedGroup{
		ID:       uuid.New().String(),
		FolderID: r.folder.ID,
	}
	plaintext := make([]byte, 0, r.packLen)
	for _, f := range r.pack {
		data, err := os.ReadFile(filepath.Join(r.folder.Path, filepath.FromSlash(f.Path)))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", f.Path, err)
		}
		group.Entries = append(group.Entries, types.PackedEntry{
			FileID: f.ID,
			Offset: int64(len(plaintext)),
			Length: int64(len(data)),
		})
		plaintext = append(plaintext, data...)
	}

	if err := r.s.store.CreatePackedGroup(group); err != nil {
		return err
	}
	if err := r.emit("", group.ID, 0, plaintext); err != nil {
		return err
	}

	r.result.PackedGroups++
	for range r.pack {
		r.fileDone()
	}
	r.pack = nil
	r.packLen = 0
	return nil
}

// emit creates the redundancy-factor rows for one plaintext segment.
func (r *segmentRun) emit(fileID, packedGroupID string, segIdx int, plaintext []byte) error {
	segmentID := uuid.New().String()
	hash := crypto.HashSHA256(plaintext)
	owner := fileID
	if owner == "" {
		owner = packedGroupID
	}

	for rIdx := 0; rIdx < r.s.opts.Redundancy; rIdx++ {
		extSubject, err := obfuscate.ExternalSubject()
		if err != nil {
			return err
		}
		r.pending = append(r.pending, &types.Segment{
			SegmentID:       segmentID,
			FileID:          fileID,
			PackedGroupID:   packedGroupID,
			FolderID:        r.folder.ID,
			SegmentIndex:    segIdx,
			RedundancyIndex: rIdx,
			Size:            int64(len(plaintext)),
			ContentHash:     hash,
			InternalSubject: obfuscate.InternalSubject(r.signingKey, r.folder.ID, owner, segIdx, rIdx),
			ExternalSubject: extSubject,
			Newsgroup:       r.s.opts.Newsgroup,
			State:           types.SegmentStatePending,
		})
		r.result.Replicas++
	}
	r.result.Segments++
	metrics.SegmentsCreated.Inc()

	if len(r.pending) >= insertBatch {
		return r.flushRows()
	}
	return nil
}

func (r *segmentRun) flushRows() error {
	if len(r.pending) == 0 {
		return nil
	}
	if err := r.s.store.BulkInsertSegments(r.pending); err != nil {
		return err
	}
	r.pending = r.pending[:0]
	return nil
}

func (r *segmentRun) fileDone() {
	r.done++
	if r.progress != nil {
		r.progress(r.done, r.total)
	}
}
