package types

import (
	"time"
)

// User is the singleton local identity for this installation.
type User struct {
	UserID      string // 64 hex chars, generated exactly once
	DisplayName string
	CreatedAt   time.Time
}

// Folder represents a managed root directory.
type Folder struct {
	ID             string
	Path           string // absolute, unique
	Name           string
	PublicKey      []byte // Ed25519 public key
	PrivateKeyEnc  []byte // Ed25519 private key, encrypted at rest
	CurrentVersion int64
	State          FolderState
	Stats          FolderStats
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FolderState represents the folder pipeline state machine.
type FolderState string

const (
	FolderStateAdded      FolderState = "added"
	FolderStateIndexing   FolderState = "indexing"
	FolderStateIndexed    FolderState = "indexed"
	FolderStateSegmenting FolderState = "segmenting"
	FolderStateSegmented  FolderState = "segmented"
	FolderStateUploading  FolderState = "uploading"
	FolderStateUploaded   FolderState = "uploaded"
	FolderStatePartial    FolderState = "uploaded/partial"
	FolderStatePublishing FolderState = "publishing"
	FolderStatePublished  FolderState = "published"
	FolderStateError      FolderState = "error"
)

// FolderStats tracks aggregate counters for a folder.
type FolderStats struct {
	FileCount        int64
	ByteCount        int64
	SegmentCount     int64
	RedundancyFactor int
	SegmentSize      int64
}

// File is one file inside a managed folder.
type File struct {
	ID          string
	FolderID    string
	Path        string // relative to folder root
	Size        int64
	ContentHash []byte // SHA-256 of file content
	PrefixHash  []byte // SHA-256 of the first megabyte, for cheap change detection
	Version     int64
	ModifiedAt  time.Time
	State       FileState
}

// FileState represents the lifecycle state of a file row.
type FileState string

const (
	FileStateIndexed   FileState = "indexed"
	FileStateModified  FileState = "modified"
	FileStateDeleted   FileState = "deleted"
	FileStateUploading FileState = "uploading"
	FileStateUploaded  FileState = "uploaded"
)

// Segment is one replica of one plaintext chunk. The primary key is
// (SegmentID, RedundancyIndex); RedundancyIndex 0 is the original,
// 1..N-1 are additional unique articles of the same plaintext.
type Segment struct {
	SegmentID       string
	FileID          string // empty when the segment carries a packed group
	PackedGroupID   string // empty for regular file segments
	FolderID        string
	SegmentIndex    int
	RedundancyIndex int
	Size            int64
	ContentHash     []byte // SHA-256 of plaintext
	InternalSubject string // deterministic, secret-keyed, local only
	ExternalSubject string // uniform random, goes on the wire
	MessageID       string // assigned after a successful post
	Newsgroup       string
	Nonce           []byte
	PaddingLength   int
	CiphertextSize  int64
	PostedAt        time.Time
	RetryCount      int
	State           SegmentState
	Error           string
}

// SegmentState represents the upload lifecycle of a segment replica.
type SegmentState string

const (
	SegmentStatePending   SegmentState = "pending"
	SegmentStateUploading SegmentState = "uploading"
	SegmentStateUploaded  SegmentState = "uploaded"
	SegmentStateFailed    SegmentState = "failed"
)

// PackedGroup describes small files sharing one segment.
type PackedGroup struct {
	ID       string
	FolderID string
	Entries  []PackedEntry
}

// PackedEntry locates one small file inside a packed segment.
type PackedEntry struct {
	FileID string
	Offset int64
	Length int64
}

// Operation tracks one long-running activity against an entity.
type Operation struct {
	ID         string
	EntityID   string
	Type       OperationType
	State      OperationState
	Priority   Priority
	Progress   float64 // 0..1, monotonically non-decreasing
	StartedAt  time.Time
	EndedAt    time.Time
	Error      string
	Checkpoint []byte // opaque resume state
}

// OperationType identifies the kind of long-running activity.
type OperationType string

const (
	OperationIndex    OperationType = "index"
	OperationSegment  OperationType = "segment"
	OperationUpload   OperationType = "upload"
	OperationPublish  OperationType = "publish"
	OperationDownload OperationType = "download"
)

// OperationState represents operation lifecycle.
type OperationState string

const (
	OperationStatePending   OperationState = "pending"
	OperationStateRunning   OperationState = "running"
	OperationStateCompleted OperationState = "completed"
	OperationStatePartial   OperationState = "partial"
	OperationStateFailed    OperationState = "failed"
	OperationStateCancelled OperationState = "cancelled"
)

// Terminal reports whether the operation reached a final state.
func (s OperationState) Terminal() bool {
	switch s {
	case OperationStateCompleted, OperationStatePartial, OperationStateFailed, OperationStateCancelled:
		return true
	}
	return false
}

// Priority orders tasks in the upload queue.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// AccessMode is the closed set of share access modes.
type AccessMode string

const (
	AccessPublic    AccessMode = "public"
	AccessProtected AccessMode = "protected"
	AccessPrivate   AccessMode = "private"
)

// Share is a published folder version under one access mode.
type Share struct {
	ID              string // opaque random token, no embedded structure
	FolderID        string
	Version         int64
	AccessMode      AccessMode
	IndexMessageIDs []string // ordered
	AccessMetadata  AccessMetadata
	CreatedAt       time.Time
	ExpiresAt       time.Time // zero means no expiry
	MaxDownloads    int       // zero means unlimited
	DownloadCount   int       // local downloads observed by this installation
}

// AccessMetadata carries the mode-specific key wrapping material.
// Exactly one of the mode sections is populated.
type AccessMetadata struct {
	// Protected mode
	Salt       []byte
	KDFParams  KDFParams
	WrappedKey []byte

	// Private mode
	Commitments []Commitment
	WrappedKeys []WrappedUserKey
	KeySeed     []byte // per-version seed the per-user wrapping keys derive from
}

// KDFParams are the memory-hard KDF parameters stored with a
// protected share so any client can re-derive the wrapping key.
type KDFParams struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
}

// Commitment attests that a user id belongs to the authorized set
// without revealing the set.
type Commitment struct {
	Value []byte
	R     []byte // per-entry randomness
}

// WrappedUserKey is the index key wrapped for one authorized user.
// The raw user id never appears; only domain-separated hashes of it.
// WrapSalt stays in the owner's store and is never published; it lets
// the owner re-wrap a fresh index key for this user without knowing
// the user id.
type WrappedUserKey struct {
	UserIDHash []byte
	WrappedKey []byte
	WrapSalt   []byte `json:",omitempty"`
}
