package uploader

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/storage"
	"github.com/nntpvault/nntpvault/pkg/types"
)

// Source loads the plaintext of a segment from the local tree. The
// store keeps only descriptors; segment bytes are re-read at post
// time so the queue stays small.
type Source interface {
	Load(folder *types.Folder, seg *types.Segment) ([]byte, error)
}

// FileSource reads segment plaintext from the managed folder on disk.
type FileSource struct {
	store storage.Store
}

// NewFileSource creates a disk-backed source.
func NewFileSource(store storage.Store) *FileSource {
	return &FileSource{store: store}
}

// Load reads the plaintext for one segment replica. For regular files
// it seeks to the segment offset; for packed groups it concatenates
// the member files in entry order.
func (s *FileSource) Load(folder *types.Folder, seg *types.Segment) ([]byte, error) {
	if seg.PackedGroupID != "" {
		return s.loadPacked(folder, seg)
	}

	file, err := s.store.GetFile(folder.ID, seg.FileID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(folder.Path, filepath.FromSlash(file.Path)))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", file.Path, err)
	}
	defer f.Close()

	offset := int64(seg.SegmentIndex) * folder.Stats.SegmentSize
	buf := make([]byte, seg.Size)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read %s at %d: %w", file.Path, offset, err)
	}
	return buf, nil
}

func (s *FileSource) loadPacked(folder *types.Folder, seg *types.Segment) ([]byte, error) {
	group, err := s.store.GetPackedGroup(seg.PackedGroupID)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, seg.Size)
	for _, entry := range group.Entries {
		file, err := s.store.GetFile(folder.ID, entry.FileID)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(folder.Path, filepath.FromSlash(file.Path)))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file.Path, err)
		}
		if int64(len(data)) != entry.Length {
			return nil, errdefs.Fatal.New("packed member %s changed size since segmentation", file.Path)
		}
		buf = append(buf, data...)
	}
	return buf, nil
}
