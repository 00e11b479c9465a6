package segmenter

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/nntpvault/nntpvault/pkg/log"
	"github.com/nntpvault/nntpvault/pkg/storage"
	"github.com/nntpvault/nntpvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

type fixture struct {
	store  *storage.BoltStore
	folder *types.Folder
	seg    *Segmenter
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	folder := &types.Folder{
		ID:             uuid.New().String(),
		Path:           t.TempDir(),
		State:          types.FolderStateIndexed,
		CurrentVersion: 1,
		Stats:          types.FolderStats{SegmentSize: opts.SegmentSize, RedundancyFactor: opts.Redundancy},
	}
	require.NoError(t, store.CreateFolder(folder))

	return &fixture{
		store:  store,
		folder: folder,
		seg:    New(store, opts),
	}
}

// addFile writes content to disk and registers the file row.
func (f *fixture) addFile(t *testing.T, rel string, content []byte) *types.File {
	t.Helper()
	path := filepath.Join(f.folder.Path, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, content, 0644))

	file := &types.File{
		ID:       uuid.New().String(),
		FolderID: f.folder.ID,
		Path:     rel,
		Size:     int64(len(content)),
		Version:  1,
		State:    types.FileStateIndexed,
	}
	require.NoError(t, f.store.BulkInsertFiles([]*types.File{file}))
	return file
}

func (f *fixture) run(t *testing.T) *Result {
	t.Helper()
	result, err := f.seg.SegmentFolder(context.Background(), f.folder, []byte("signing key"), nil)
	require.NoError(t, err)
	return result
}

func randomContent(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func TestSmallFilesArePackedTogether(t *testing.T) {
	f := newFixture(t, Options{SegmentSize: 768000, PackThreshold: 250000, Redundancy: 2, Newsgroup: "alt.test"})
	a := f.addFile(t, "a.txt", []byte("hello\n"))
	b := f.addFile(t, "b/bin.dat", randomContent(t, 200000))

	result := f.run(t)
	assert.Equal(t, int64(1), result.Segments, "both files fit one packed segment")
	assert.Equal(t, int64(2), result.Replicas)
	assert.Equal(t, int64(1), result.PackedGroups)

	groups, err := f.store.ListPackedGroupsByFolder(f.folder.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Entries, 2)
	// Files stream in row-key order (random uuids), so entries are
	// matched by file id; the two are laid out back to back.
	byFile := map[string]types.PackedEntry{}
	for _, e := range groups[0].Entries {
		byFile[e.FileID] = e
	}
	assert.Equal(t, int64(0), groups[0].Entries[0].Offset)
	assert.Equal(t, int64(6), byFile[a.ID].Length)
	assert.Equal(t, groups[0].Entries[0].Length, groups[0].Entries[1].Offset)
	assert.Equal(t, int64(200000), byFile[b.ID].Length)
}

func TestLargeFileSplitsIntoSegments(t *testing.T) {
	f := newFixture(t, Options{SegmentSize: 1000, PackThreshold: 100, Redundancy: 1, Newsgroup: "alt.test"})
	f.addFile(t, "big.bin", randomContent(t, 2500))

	result := f.run(t)
	assert.Equal(t, int64(3), result.Segments)
	assert.Equal(t, int64(3), result.Replicas)

	var sizes []int64
	err := f.store.StreamSegmentsByFolder(f.folder.ID, func(s *types.Segment) error {
		sizes = append(sizes, s.Size)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1000, 1000, 500}, sizes)
}

func TestFileOfExactlySegmentSizeIsOneSegment(t *testing.T) {
	f := newFixture(t, Options{SegmentSize: 1000, PackThreshold: 100, Redundancy: 1, Newsgroup: "alt.test"})
	f.addFile(t, "exact.bin", randomContent(t, 1000))

	result := f.run(t)
	assert.Equal(t, int64(1), result.Segments)
}

func TestZeroByteFileIsPacked(t *testing.T) {
	f := newFixture(t, Options{SegmentSize: 1000, PackThreshold: 100, Redundancy: 1, Newsgroup: "alt.test"})
	file := f.addFile(t, "empty.txt", nil)

	result := f.run(t)
	assert.Equal(t, int64(1), result.Segments)
	assert.Equal(t, int64(1), result.PackedGroups)

	groups, err := f.store.ListPackedGroupsByFolder(f.folder.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Entries, 1)
	assert.Equal(t, file.ID, groups[0].Entries[0].FileID)
	assert.Equal(t, int64(0), groups[0].Entries[0].Length)
}

func TestReplicasAreDistinctArticles(t *testing.T) {
	f := newFixture(t, Options{SegmentSize: 1000, PackThreshold: 100, Redundancy: 3, Newsgroup: "alt.test"})
	f.addFile(t, "data.bin", randomContent(t, 1500))

	f.run(t)

	bySegment := map[string][]*types.Segment{}
	err := f.store.StreamSegmentsByFolder(f.folder.ID, func(s *types.Segment) error {
		c := *s
		bySegment[s.SegmentID] = append(bySegment[s.SegmentID], &c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, bySegment, 2)

	for segID, replicas := range bySegment {
		require.Len(t, replicas, 3, "segment %s", segID)
		subjects := map[string]bool{}
		internals := map[string]bool{}
		for _, rep := range replicas {
			assert.False(t, subjects[rep.ExternalSubject], "external subjects must differ")
			subjects[rep.ExternalSubject] = true
			assert.False(t, internals[rep.InternalSubject], "internal subjects must differ per replica")
			internals[rep.InternalSubject] = true
			// Replicas share the plaintext hash.
			assert.Equal(t, replicas[0].ContentHash, rep.ContentHash)
			assert.Equal(t, types.SegmentStatePending, rep.State)
		}
	}
}

func TestSegmentFolderIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{SegmentSize: 1000, PackThreshold: 100, Redundancy: 2, Newsgroup: "alt.test"})
	f.addFile(t, "data.bin", randomContent(t, 1500))

	first := f.run(t)
	second := f.run(t)
	assert.Equal(t, first.Segments, second.Segments)

	counts, err := f.store.FolderCounts(f.folder.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Replicas, counts.Segments, "re-run must not double rows")
}

func TestDeletedFilesAreSkipped(t *testing.T) {
	f := newFixture(t, Options{SegmentSize: 1000, PackThreshold: 100, Redundancy: 1, Newsgroup: "alt.test"})
	f.addFile(t, "keep.bin", randomContent(t, 1200))
	gone := f.addFile(t, "gone.bin", randomContent(t, 1200))

	gone.State = types.FileStateDeleted
	require.NoError(t, f.store.UpdateFile(gone))

	result := f.run(t)
	assert.Equal(t, int64(2), result.Segments, "only the kept file is segmented")
}
