package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUserIsImmutable(t *testing.T) {
	store := newTestStore(t)

	user, err := store.GetUser()
	require.NoError(t, err)
	assert.Nil(t, user)

	first := &types.User{UserID: "aa11", CreatedAt: time.Now()}
	require.NoError(t, store.CreateUser(first))

	// Any attempt to overwrite aborts without modifying storage.
	err = store.CreateUser(&types.User{UserID: "bb22"})
	assert.True(t, errdefs.DuplicateEntity.Has(err))

	got, err := store.GetUser()
	require.NoError(t, err)
	assert.Equal(t, "aa11", got.UserID)
}

func TestFolderPathUniqueness(t *testing.T) {
	store := newTestStore(t)

	folder := &types.Folder{ID: "f1", Path: "/data/photos", State: types.FolderStateAdded}
	require.NoError(t, store.CreateFolder(folder))

	err := store.CreateFolder(&types.Folder{ID: "f2", Path: "/data/photos"})
	assert.True(t, errdefs.DuplicateEntity.Has(err))

	byPath, err := store.GetFolderByPath("/data/photos")
	require.NoError(t, err)
	assert.Equal(t, "f1", byPath.ID)

	_, err = store.GetFolder("missing")
	assert.True(t, errdefs.InvalidInput.Has(err))
}

func TestFilesBulkInsertAndStream(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateFolder(&types.Folder{ID: "f1", Path: "/p"}))

	var files []*types.File
	for i := 0; i < 10; i++ {
		files = append(files, &types.File{
			ID:       fmt.Sprintf("file-%02d", i),
			FolderID: "f1",
			Path:     fmt.Sprintf("dir/file-%02d.txt", i),
			Size:     100,
			State:    types.FileStateIndexed,
		})
	}
	require.NoError(t, store.BulkInsertFiles(files))

	err := store.BulkInsertFiles([]*types.File{files[0]})
	assert.True(t, errdefs.DuplicateEntity.Has(err))

	var seen []string
	err = store.StreamFilesByFolder("f1", func(f *types.File) error {
		seen = append(seen, f.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 10)

	counts, err := store.FolderCounts("f1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), counts.Files)
	assert.Equal(t, int64(1000), counts.Bytes)
}

func makeSegments(folderID, fileID string, nSegs, redundancy int) []*types.Segment {
	var segs []*types.Segment
	for i := 0; i < nSegs; i++ {
		segID := fmt.Sprintf("%s-seg-%02d", fileID, i)
		for r := 0; r < redundancy; r++ {
			segs = append(segs, &types.Segment{
				SegmentID:       segID,
				FileID:          fileID,
				FolderID:        folderID,
				SegmentIndex:    i,
				RedundancyIndex: r,
				Size:            768000,
				State:           types.SegmentStatePending,
			})
		}
	}
	return segs
}

func TestSegmentsCompositeKeyAndStreamOrder(t *testing.T) {
	store := newTestStore(t)

	segs := makeSegments("f1", "file-a", 3, 2)
	require.NoError(t, store.BulkInsertSegments(segs))

	// Duplicate (segment_id, redundancy_index) is rejected.
	err := store.BulkInsertSegments([]*types.Segment{segs[0]})
	assert.True(t, errdefs.DuplicateEntity.Has(err))

	got, err := store.GetSegment("file-a-seg-01", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SegmentIndex)
	assert.Equal(t, 1, got.RedundancyIndex)

	// Stream order is (segment_index, redundancy_index).
	var order [][2]int
	err = store.StreamSegmentsByFile("f1", "file-a", func(s *types.Segment) error {
		order = append(order, [2]int{s.SegmentIndex, s.RedundancyIndex})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}, {2, 0}, {2, 1}}, order)

	counts, err := store.FolderCounts("f1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), counts.Segments)
}

func TestSegmentUpdateAndDeleteByFolder(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.BulkInsertSegments(makeSegments("f1", "file-a", 2, 2)))
	require.NoError(t, store.BulkInsertSegments(makeSegments("f2", "file-b", 1, 2)))

	seg, err := store.GetSegment("file-a-seg-00", 0)
	require.NoError(t, err)
	seg.State = types.SegmentStateUploaded
	seg.MessageID = "<abcd@x>"
	require.NoError(t, store.UpdateSegment(seg))

	got, err := store.GetSegment("file-a-seg-00", 0)
	require.NoError(t, err)
	assert.Equal(t, types.SegmentStateUploaded, got.State)
	assert.Equal(t, "<abcd@x>", got.MessageID)

	require.NoError(t, store.DeleteSegmentsByFolder("f1"))
	counts, err := store.FolderCounts("f1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Segments)

	// The other folder is untouched.
	var other int
	require.NoError(t, store.StreamSegmentsByFolder("f2", func(*types.Segment) error {
		other++
		return nil
	}))
	assert.Equal(t, 2, other)
}

func TestOperationCheckpointMonotonicProgress(t *testing.T) {
	store := newTestStore(t)

	op := &types.Operation{ID: "op1", Type: types.OperationUpload, State: types.OperationStateRunning}
	require.NoError(t, store.CreateOperation(op))

	require.NoError(t, store.UpdateOperationCheckpoint("op1", []byte("cp1"), 0.5))
	require.NoError(t, store.UpdateOperationCheckpoint("op1", []byte("cp2"), 0.3))

	got, err := store.GetOperation("op1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Progress, "progress must never decrease")
	assert.Equal(t, []byte("cp2"), got.Checkpoint, "checkpoint always advances")
}

func TestSharesByFolder(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateShare(&types.Share{ID: "s1", FolderID: "f1", AccessMode: types.AccessPublic}))
	require.NoError(t, store.CreateShare(&types.Share{ID: "s2", FolderID: "f1", AccessMode: types.AccessPrivate}))
	require.NoError(t, store.CreateShare(&types.Share{ID: "s3", FolderID: "f2", AccessMode: types.AccessPublic}))

	err := store.CreateShare(&types.Share{ID: "s1", FolderID: "f1"})
	assert.True(t, errdefs.DuplicateEntity.Has(err))

	forF1, err := store.ListSharesByFolder("f1")
	require.NoError(t, err)
	assert.Len(t, forF1, 2)

	all, err := store.ListShares()
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestPackedGroups(t *testing.T) {
	store := newTestStore(t)

	group := &types.PackedGroup{
		ID:       "g1",
		FolderID: "f1",
		Entries: []types.PackedEntry{
			{FileID: "file-a", Offset: 0, Length: 6},
			{FileID: "file-b", Offset: 6, Length: 100},
		},
	}
	require.NoError(t, store.CreatePackedGroup(group))

	got, err := store.GetPackedGroup("g1")
	require.NoError(t, err)
	assert.Equal(t, group.Entries, got.Entries)

	groups, err := store.ListPackedGroupsByFolder("f1")
	require.NoError(t, err)
	assert.Len(t, groups, 1)
}

func TestTransactionAtomicity(t *testing.T) {
	store := newTestStore(t)
	folder := &types.Folder{ID: "f1", Path: "/p", State: types.FolderStateUploading}
	require.NoError(t, store.CreateFolder(folder))

	// A failing transaction leaves the row untouched.
	folder.State = types.FolderStateUploaded
	err := store.Transaction("f1", func(tx Tx) error {
		if err := tx.UpdateFolder(folder); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	got, err := store.GetFolder("f1")
	require.NoError(t, err)
	assert.Equal(t, types.FolderStateUploading, got.State)

	require.NoError(t, store.Transaction("f1", func(tx Tx) error {
		return tx.UpdateFolder(folder)
	}))
	got, err = store.GetFolder("f1")
	require.NoError(t, err)
	assert.Equal(t, types.FolderStateUploaded, got.State)
}
