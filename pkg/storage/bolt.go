package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketUsers        = []byte("users")
	bucketFolders      = []byte("folders")
	bucketFolderPaths  = []byte("folder_paths")
	bucketFiles        = []byte("files")
	bucketSegments     = []byte("segments")
	bucketSegmentIndex = []byte("segment_index")
	bucketPackedGroups = []byte("packed_groups")
	bucketPackedIndex  = []byte("packed_index")
	bucketOperations   = []byte("operations")
	bucketShares       = []byte("shares")
	bucketShareIndex   = []byte("share_index")
	bucketCounters     = []byte("counters")
)

// keySep never appears in uuids or hex ids, so composite keys built
// with it sort by component.
const keySep = 0x00

// BoltStore implements Store on a single-file bbolt database. All
// writes funnel through one writer goroutine so the write path is
// serialized regardless of caller concurrency; reads run against
// bbolt's MVCC snapshots and are stable under concurrent writes.
type BoltStore struct {
	db      *bolt.DB
	writeCh chan writeReq
	closeCh chan struct{}
	doneCh  chan struct{}
}

type writeReq struct {
	fn    func(tx *bolt.Tx) error
	reply chan error
}

// NewBoltStore opens (creating if needed) the embedded store.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "nntpvault.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketUsers,
			bucketFolders,
			bucketFolderPaths,
			bucketFiles,
			bucketSegments,
			bucketSegmentIndex,
			bucketPackedGroups,
			bucketPackedIndex,
			bucketOperations,
			bucketShares,
			bucketShareIndex,
			bucketCounters,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStore{
		db:      db,
		writeCh: make(chan writeReq),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

// writer is the dedicated write task. One request at a time, each in
// its own transaction.
func (s *BoltStore) writer() {
	defer close(s.doneCh)
	for {
		select {
		case req := <-s.writeCh:
			req.reply <- s.db.Update(req.fn)
		case <-s.closeCh:
			return
		}
	}
}

// update submits fn to the writer task and waits for the result.
func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	req := writeReq{fn: fn, reply: make(chan error, 1)}
	select {
	case s.writeCh <- req:
		return <-req.reply
	case <-s.closeCh:
		return errdefs.Fatal.New("store is closed")
	}
}

// Close stops the writer and closes the database.
func (s *BoltStore) Close() error {
	close(s.closeCh)
	<-s.doneCh
	return s.db.Close()
}

// --- User ---

var userKey = []byte("user")

func (s *BoltStore) CreateUser(user *types.User) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get(userKey) != nil {
			return errdefs.DuplicateEntity.New("user already initialized")
		}
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return b.Put(userKey, data)
	})
}

func (s *BoltStore) GetUser() (*types.User, error) {
	var user *types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get(userKey)
		if data == nil {
			return nil
		}
		user = &types.User{}
		return json.Unmarshal(data, user)
	})
	return user, err
}

// --- Folders ---

func (s *BoltStore) CreateFolder(folder *types.Folder) error {
	return s.update(func(tx *bolt.Tx) error {
		paths := tx.Bucket(bucketFolderPaths)
		if paths.Get([]byte(folder.Path)) != nil {
			return errdefs.DuplicateEntity.New("folder path already managed: %s", folder.Path)
		}
		data, err := json.Marshal(folder)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketFolders).Put([]byte(folder.ID), data); err != nil {
			return err
		}
		return paths.Put([]byte(folder.Path), []byte(folder.ID))
	})
}

func (s *BoltStore) GetFolder(id string) (*types.Folder, error) {
	var folder types.Folder
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFolders).Get([]byte(id))
		if data == nil {
			return errdefs.InvalidInput.New("folder not found: %s", id)
		}
		return json.Unmarshal(data, &folder)
	})
	if err != nil {
		return nil, err
	}
	return &folder, nil
}

func (s *BoltStore) GetFolderByPath(path string) (*types.Folder, error) {
	var id []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		id = tx.Bucket(bucketFolderPaths).Get([]byte(path))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, errdefs.InvalidInput.New("folder not found: %s", path)
	}
	return s.GetFolder(string(id))
}

func (s *BoltStore) ListFolders() ([]*types.Folder, error) {
	var folders []*types.Folder
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFolders).ForEach(func(k, v []byte) error {
			var folder types.Folder
			if err := json.Unmarshal(v, &folder); err != nil {
				return err
			}
			folders = append(folders, &folder)
			return nil
		})
	})
	return folders, err
}

func (s *BoltStore) UpdateFolder(folder *types.Folder) error {
	return s.update(func(tx *bolt.Tx) error {
		return boltPutFolder(tx, folder)
	})
}

func boltPutFolder(tx *bolt.Tx, folder *types.Folder) error {
	data, err := json.Marshal(folder)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketFolders).Put([]byte(folder.ID), data)
}

// --- Files ---

func fileKey(folderID, fileID string) []byte {
	k := make([]byte, 0, len(folderID)+1+len(fileID))
	k = append(k, folderID...)
	k = append(k, keySep)
	k = append(k, fileID...)
	return k
}

func (s *BoltStore) BulkInsertFiles(files []*types.File) error {
	if len(files) == 0 {
		return nil
	}
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		for _, file := range files {
			key := fileKey(file.FolderID, file.ID)
			if b.Get(key) != nil {
				return errdefs.DuplicateEntity.New("file already exists: %s", file.ID)
			}
			data, err := json.Marshal(file)
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
			if err := addCounter(tx, "files", file.FolderID, 1); err != nil {
				return err
			}
			if err := addCounter(tx, "bytes", file.FolderID, file.Size); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetFile(folderID, fileID string) (*types.File, error) {
	var file types.File
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get(fileKey(folderID, fileID))
		if data == nil {
			return errdefs.InvalidInput.New("file not found: %s", fileID)
		}
		return json.Unmarshal(data, &file)
	})
	if err != nil {
		return nil, err
	}
	return &file, nil
}

func (s *BoltStore) UpdateFile(file *types.File) error {
	return s.update(func(tx *bolt.Tx) error {
		return boltPutFile(tx, file)
	})
}

func boltPutFile(tx *bolt.Tx, file *types.File) error {
	data, err := json.Marshal(file)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketFiles).Put(fileKey(file.FolderID, file.ID), data)
}

func (s *BoltStore) StreamFilesByFolder(folderID string, fn func(*types.File) error) error {
	prefix := append([]byte(folderID), keySep)
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketFiles).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var file types.File
			if err := json.Unmarshal(v, &file); err != nil {
				return err
			}
			if err := fn(&file); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Segments ---

func segmentKey(segmentID string, redundancyIndex int) []byte {
	k := make([]byte, 0, len(segmentID)+5)
	k = append(k, segmentID...)
	k = append(k, keySep)
	k = be32(k, uint32(redundancyIndex))
	return k
}

// segmentIndexKey orders segments by (folder, owner, segment_index,
// redundancy_index) where owner is the file id or packed group id.
func segmentIndexKey(seg *types.Segment) []byte {
	owner := seg.FileID
	if owner == "" {
		owner = seg.PackedGroupID
	}
	k := make([]byte, 0, len(seg.FolderID)+len(owner)+10)
	k = append(k, seg.FolderID...)
	k = append(k, keySep)
	k = append(k, owner...)
	k = append(k, keySep)
	k = be32(k, uint32(seg.SegmentIndex))
	k = be32(k, uint32(seg.RedundancyIndex))
	return k
}

func be32(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

func (s *BoltStore) BulkInsertSegments(segments []*types.Segment) error {
	if len(segments) == 0 {
		return nil
	}
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSegments)
		idx := tx.Bucket(bucketSegmentIndex)
		for _, seg := range segments {
			key := segmentKey(seg.SegmentID, seg.RedundancyIndex)
			if b.Get(key) != nil {
				return errdefs.DuplicateEntity.New("segment already exists: %s/%d", seg.SegmentID, seg.RedundancyIndex)
			}
			data, err := json.Marshal(seg)
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
			if err := idx.Put(segmentIndexKey(seg), key); err != nil {
				return err
			}
			if err := addCounter(tx, "segments", seg.FolderID, 1); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) UpdateSegment(seg *types.Segment) error {
	return s.update(func(tx *bolt.Tx) error {
		return boltPutSegment(tx, seg)
	})
}

func boltPutSegment(tx *bolt.Tx, seg *types.Segment) error {
	data, err := json.Marshal(seg)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketSegments).Put(segmentKey(seg.SegmentID, seg.RedundancyIndex), data)
}

func (s *BoltStore) GetSegment(segmentID string, redundancyIndex int) (*types.Segment, error) {
	var seg types.Segment
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSegments).Get(segmentKey(segmentID, redundancyIndex))
		if data == nil {
			return errdefs.InvalidInput.New("segment not found: %s/%d", segmentID, redundancyIndex)
		}
		return json.Unmarshal(data, &seg)
	})
	if err != nil {
		return nil, err
	}
	return &seg, nil
}

func (s *BoltStore) StreamSegmentsByFile(folderID, fileID string, fn func(*types.Segment) error) error {
	prefix := make([]byte, 0, len(folderID)+len(fileID)+2)
	prefix = append(prefix, folderID...)
	prefix = append(prefix, keySep)
	prefix = append(prefix, fileID...)
	prefix = append(prefix, keySep)
	return s.streamSegmentsByPrefix(prefix, fn)
}

func (s *BoltStore) StreamSegmentsByFolder(folderID string, fn func(*types.Segment) error) error {
	prefix := append([]byte(folderID), keySep)
	return s.streamSegmentsByPrefix(prefix, fn)
}

func (s *BoltStore) streamSegmentsByPrefix(prefix []byte, fn func(*types.Segment) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		segs := tx.Bucket(bucketSegments)
		c := tx.Bucket(bucketSegmentIndex).Cursor()
		for k, ref := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, ref = c.Next() {
			data := segs.Get(ref)
			if data == nil {
				return errdefs.Fatal.New("segment index references missing row")
			}
			var seg types.Segment
			if err := json.Unmarshal(data, &seg); err != nil {
				return err
			}
			if err := fn(&seg); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) DeleteSegmentsByFolder(folderID string) error {
	prefix := append([]byte(folderID), keySep)
	return s.update(func(tx *bolt.Tx) error {
		segs := tx.Bucket(bucketSegments)
		idx := tx.Bucket(bucketSegmentIndex)
		c := idx.Cursor()
		var removed int64
		for k, ref := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, ref = c.Next() {
			if err := segs.Delete(ref); err != nil {
				return err
			}
			if err := idx.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return addCounter(tx, "segments", folderID, -removed)
	})
}

// --- Packed groups ---

func (s *BoltStore) CreatePackedGroup(group *types.PackedGroup) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPackedGroups)
		if b.Get([]byte(group.ID)) != nil {
			return errdefs.DuplicateEntity.New("packed group already exists: %s", group.ID)
		}
		data, err := json.Marshal(group)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(group.ID), data); err != nil {
			return err
		}
		idxKey := make([]byte, 0, len(group.FolderID)+len(group.ID)+1)
		idxKey = append(idxKey, group.FolderID...)
		idxKey = append(idxKey, keySep)
		idxKey = append(idxKey, group.ID...)
		return tx.Bucket(bucketPackedIndex).Put(idxKey, []byte(group.ID))
	})
}

func (s *BoltStore) GetPackedGroup(id string) (*types.PackedGroup, error) {
	var group types.PackedGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPackedGroups).Get([]byte(id))
		if data == nil {
			return errdefs.InvalidInput.New("packed group not found: %s", id)
		}
		return json.Unmarshal(data, &group)
	})
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *BoltStore) ListPackedGroupsByFolder(folderID string) ([]*types.PackedGroup, error) {
	prefix := append([]byte(folderID), keySep)
	var groups []*types.PackedGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPackedGroups)
		c := tx.Bucket(bucketPackedIndex).Cursor()
		for k, ref := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, ref = c.Next() {
			data := b.Get(ref)
			if data == nil {
				continue
			}
			var group types.PackedGroup
			if err := json.Unmarshal(data, &group); err != nil {
				return err
			}
			groups = append(groups, &group)
		}
		return nil
	})
	return groups, err
}

func (s *BoltStore) DeletePackedGroupsByFolder(folderID string) error {
	prefix := append([]byte(folderID), keySep)
	return s.update(func(tx *bolt.Tx) error {
		groups := tx.Bucket(bucketPackedGroups)
		idx := tx.Bucket(bucketPackedIndex)
		c := idx.Cursor()
		for k, ref := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, ref = c.Next() {
			if err := groups.Delete(ref); err != nil {
				return err
			}
			if err := idx.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Operations ---

func (s *BoltStore) CreateOperation(op *types.Operation) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		if b.Get([]byte(op.ID)) != nil {
			return errdefs.DuplicateEntity.New("operation already exists: %s", op.ID)
		}
		data, err := json.Marshal(op)
		if err != nil {
			return err
		}
		return b.Put([]byte(op.ID), data)
	})
}

func (s *BoltStore) GetOperation(id string) (*types.Operation, error) {
	var op types.Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOperations).Get([]byte(id))
		if data == nil {
			return errdefs.InvalidInput.New("operation not found: %s", id)
		}
		return json.Unmarshal(data, &op)
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (s *BoltStore) UpdateOperation(op *types.Operation) error {
	return s.update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(op)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketOperations).Put([]byte(op.ID), data)
	})
}

func (s *BoltStore) UpdateOperationCheckpoint(id string, checkpoint []byte, progress float64) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.InvalidInput.New("operation not found: %s", id)
		}
		var op types.Operation
		if err := json.Unmarshal(data, &op); err != nil {
			return err
		}
		op.Checkpoint = checkpoint
		if progress > op.Progress {
			op.Progress = progress
		}
		updated, err := json.Marshal(&op)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *BoltStore) ListOperations() ([]*types.Operation, error) {
	var ops []*types.Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOperations).ForEach(func(k, v []byte) error {
			var op types.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			ops = append(ops, &op)
			return nil
		})
	})
	return ops, err
}

// --- Shares ---

func (s *BoltStore) CreateShare(share *types.Share) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShares)
		if b.Get([]byte(share.ID)) != nil {
			return errdefs.DuplicateEntity.New("share already exists: %s", share.ID)
		}
		data, err := json.Marshal(share)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(share.ID), data); err != nil {
			return err
		}
		idxKey := make([]byte, 0, len(share.FolderID)+len(share.ID)+1)
		idxKey = append(idxKey, share.FolderID...)
		idxKey = append(idxKey, keySep)
		idxKey = append(idxKey, share.ID...)
		return tx.Bucket(bucketShareIndex).Put(idxKey, []byte(share.ID))
	})
}

func (s *BoltStore) GetShare(id string) (*types.Share, error) {
	var share types.Share
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketShares).Get([]byte(id))
		if data == nil {
			return errdefs.InvalidInput.New("share not found: %s", id)
		}
		return json.Unmarshal(data, &share)
	})
	if err != nil {
		return nil, err
	}
	return &share, nil
}

func (s *BoltStore) UpdateShare(share *types.Share) error {
	return s.update(func(tx *bolt.Tx) error {
		return boltPutShare(tx, share)
	})
}

func boltPutShare(tx *bolt.Tx, share *types.Share) error {
	data, err := json.Marshal(share)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketShares).Put([]byte(share.ID), data)
}

func (s *BoltStore) ListShares() ([]*types.Share, error) {
	var shares []*types.Share
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketShares).ForEach(func(k, v []byte) error {
			var share types.Share
			if err := json.Unmarshal(v, &share); err != nil {
				return err
			}
			shares = append(shares, &share)
			return nil
		})
	})
	return shares, err
}

func (s *BoltStore) ListSharesByFolder(folderID string) ([]*types.Share, error) {
	prefix := append([]byte(folderID), keySep)
	var shares []*types.Share
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShares)
		c := tx.Bucket(bucketShareIndex).Cursor()
		for k, ref := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, ref = c.Next() {
			data := b.Get(ref)
			if data == nil {
				continue
			}
			var share types.Share
			if err := json.Unmarshal(data, &share); err != nil {
				return err
			}
			shares = append(shares, &share)
		}
		return nil
	})
	return shares, err
}

// --- Counters ---

func counterKey(name, folderID string) []byte {
	return []byte(name + "/" + folderID)
}

func addCounter(tx *bolt.Tx, name, folderID string, delta int64) error {
	b := tx.Bucket(bucketCounters)
	key := counterKey(name, folderID)
	var cur int64
	if data := b.Get(key); data != nil {
		cur = int64(binary.BigEndian.Uint64(data))
	}
	cur += delta
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(cur))
	return b.Put(key, buf[:])
}

func (s *BoltStore) FolderCounts(folderID string) (Counts, error) {
	var counts Counts
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		read := func(name string) int64 {
			if data := b.Get(counterKey(name, folderID)); data != nil {
				return int64(binary.BigEndian.Uint64(data))
			}
			return 0
		}
		counts.Files = read("files")
		counts.Segments = read("segments")
		counts.Bytes = read("bytes")
		return nil
	})
	return counts, err
}

// --- Transactions ---

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) UpdateFolder(folder *types.Folder) error { return boltPutFolder(t.tx, folder) }
func (t *boltTx) UpdateFile(file *types.File) error       { return boltPutFile(t.tx, file) }
func (t *boltTx) UpdateSegment(seg *types.Segment) error  { return boltPutSegment(t.tx, seg) }
func (t *boltTx) UpdateShare(share *types.Share) error    { return boltPutShare(t.tx, share) }

// Transaction runs fn in a single write transaction. The folder scope
// is irrelevant on the embedded backend; the whole store is one shard.
func (s *BoltStore) Transaction(folderID string, fn func(tx Tx) error) error {
	return s.update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}
