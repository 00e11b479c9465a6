package coreindex

import (
	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/storage"
	"github.com/nntpvault/nntpvault/pkg/types"
)

// Build assembles the manifest for a folder's current version from
// the store. Only uploaded replicas enter the manifest; a plaintext
// segment with zero uploaded replicas fails the build, because the
// publication could never be reassembled.
func Build(store storage.Store, folder *types.Folder, contentKey []byte) (*Index, error) {
	idx := &Index{
		FolderID:   folder.ID,
		Version:    folder.CurrentVersion,
		Stats:      folder.Stats,
		PublicKey:  folder.PublicKey,
		ContentKey: contentKey,
	}

	// Packed groups and their member offsets come first so file
	// entries can reference them.
	groups, err := store.ListPackedGroupsByFolder(folder.ID)
	if err != nil {
		return nil, err
	}
	memberRef := map[string]*PackedRef{} // file id -> location
	for _, g := range groups {
		seg, err := collectSegment(store, folder.ID, g.ID)
		if err != nil {
			return nil, err
		}
		idx.PackedGroups = append(idx.PackedGroups, PackedGroupEntry{
			GroupID: g.ID,
			Segment: *seg,
		})
		for _, e := range g.Entries {
			memberRef[e.FileID] = &PackedRef{GroupID: g.ID, Offset: e.Offset, Length: e.Length}
		}
	}

	err = store.StreamFilesByFolder(folder.ID, func(f *types.File) error {
		if f.State == types.FileStateDeleted {
			return nil
		}
		entry := FileEntry{
			Path: f.Path,
			Size: f.Size,
			Hash: f.ContentHash,
		}
		if ref, ok := memberRef[f.ID]; ok {
			entry.Packed = ref
		} else {
			seg, err := collectFileSegments(store, folder.ID, f.ID)
			if err != nil {
				return err
			}
			entry.Segments = seg
		}
		idx.Files = append(idx.Files, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// collectFileSegments gathers the ordered segment entries of a
// regular file.
func collectFileSegments(store storage.Store, folderID, fileID string) ([]SegmentEntry, error) {
	var out []SegmentEntry
	err := store.StreamSegmentsByFile(folderID, fileID, func(seg *types.Segment) error {
		return mergeReplica(&out, seg)
	})
	if err != nil {
		return nil, err
	}
	for i := range out {
		if len(out[i].Replicas) == 0 {
			return nil, errdefs.PartialResult.New("segment %s has no uploaded replica", out[i].SegmentID)
		}
	}
	return out, nil
}

// collectSegment gathers the single segment backing a packed group.
func collectSegment(store storage.Store, folderID, groupID string) (*SegmentEntry, error) {
	var out []SegmentEntry
	err := store.StreamSegmentsByFile(folderID, groupID, func(seg *types.Segment) error {
		return mergeReplica(&out, seg)
	})
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, errdefs.Fatal.New("packed group %s has %d segments, want 1", groupID, len(out))
	}
	if len(out[0].Replicas) == 0 {
		return nil, errdefs.PartialResult.New("segment %s has no uploaded replica", out[0].SegmentID)
	}
	return &out[0], nil
}

// mergeReplica folds one segment row into the per-plaintext entry
// list. Rows arrive ordered by (segment_index, redundancy_index).
// Non-uploaded rows still create the plaintext entry so a segment
// whose replicas all failed is caught by the build, not at retrieval.
func mergeReplica(entries *[]SegmentEntry, seg *types.Segment) error {
	n := len(*entries)
	if n == 0 || (*entries)[n-1].SegmentID != seg.SegmentID {
		*entries = append(*entries, SegmentEntry{
			SegmentID:    seg.SegmentID,
			SegmentIndex: seg.SegmentIndex,
			PlainSize:    seg.Size,
			ContentHash:  seg.ContentHash,
		})
		n++
	}
	if seg.State != types.SegmentStateUploaded {
		return nil
	}
	entry := &(*entries)[n-1]
	entry.Replicas = append(entry.Replicas, ReplicaEntry{
		RedundancyIndex: seg.RedundancyIndex,
		MessageID:       seg.MessageID,
		Newsgroup:       seg.Newsgroup,
		ExternalSubject: seg.ExternalSubject,
		Nonce:           seg.Nonce,
		PaddingLength:   seg.PaddingLength,
		CiphertextSize:  seg.CiphertextSize,
	})
	return nil
}
