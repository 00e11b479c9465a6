package storage

import (
	"github.com/nntpvault/nntpvault/pkg/types"
)

// Store is the uniform persistence contract for all entities. Both
// backends implement identical semantics behind it; callers never see
// a backend-specific type.
//
// Streaming reads are cursor-shaped: the callback runs once per row
// against a stable snapshot and the full result set is never
// materialized. Returning an error from the callback stops the scan
// and surfaces that error.
type Store interface {
	// User is a singleton row. CreateUser fails with DuplicateEntity
	// once a user exists; the user id is immutable after that.
	CreateUser(user *types.User) error
	GetUser() (*types.User, error)

	// Folders
	CreateFolder(folder *types.Folder) error
	GetFolder(id string) (*types.Folder, error)
	GetFolderByPath(path string) (*types.Folder, error)
	ListFolders() ([]*types.Folder, error)
	UpdateFolder(folder *types.Folder) error

	// Files
	BulkInsertFiles(files []*types.File) error
	GetFile(folderID, fileID string) (*types.File, error)
	UpdateFile(file *types.File) error
	StreamFilesByFolder(folderID string, fn func(*types.File) error) error

	// Segments. The primary key is (segment_id, redundancy_index);
	// scans by file walk the (folder_id, file_id, segment_index,
	// redundancy_index) composite index in order.
	BulkInsertSegments(segments []*types.Segment) error
	UpdateSegment(segment *types.Segment) error
	GetSegment(segmentID string, redundancyIndex int) (*types.Segment, error)
	StreamSegmentsByFile(folderID, fileID string, fn func(*types.Segment) error) error
	StreamSegmentsByFolder(folderID string, fn func(*types.Segment) error) error
	DeleteSegmentsByFolder(folderID string) error

	// Packed groups
	CreatePackedGroup(group *types.PackedGroup) error
	GetPackedGroup(id string) (*types.PackedGroup, error)
	ListPackedGroupsByFolder(folderID string) ([]*types.PackedGroup, error)
	DeletePackedGroupsByFolder(folderID string) error

	// Operations
	CreateOperation(op *types.Operation) error
	GetOperation(id string) (*types.Operation, error)
	UpdateOperation(op *types.Operation) error
	UpdateOperationCheckpoint(id string, checkpoint []byte, progress float64) error
	ListOperations() ([]*types.Operation, error)

	// Shares
	CreateShare(share *types.Share) error
	GetShare(id string) (*types.Share, error)
	UpdateShare(share *types.Share) error
	ListShares() ([]*types.Share, error)
	ListSharesByFolder(folderID string) ([]*types.Share, error)

	// FolderCounts returns exact maintained counters, never a scan.
	FolderCounts(folderID string) (Counts, error)

	// Transaction runs fn atomically within the scope of one folder
	// (one shard on the server backend). Mutations that cross
	// invariant boundaries go through here; nested transactions are
	// not supported.
	Transaction(folderID string, fn func(tx Tx) error) error

	Close() error
}

// Tx is the mutating surface available inside Transaction.
type Tx interface {
	UpdateFolder(folder *types.Folder) error
	UpdateFile(file *types.File) error
	UpdateSegment(segment *types.Segment) error
	UpdateShare(share *types.Share) error
}

// Counts are the maintained per-folder counters.
type Counts struct {
	Files    int64
	Segments int64
	Bytes    int64
}
