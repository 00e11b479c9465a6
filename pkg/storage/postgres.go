package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/types"
)

// bulkInsertBatch is the number of rows per multi-row INSERT.
const bulkInsertBatch = 1000

const pgSchema = `
CREATE TABLE IF NOT EXISTS users (
	singleton   int PRIMARY KEY DEFAULT 1 CHECK (singleton = 1),
	user_id     text NOT NULL,
	display_name text NOT NULL DEFAULT '',
	created_at  timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS folders (
	id          text PRIMARY KEY,
	path        text NOT NULL UNIQUE,
	data        jsonb NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
	folder_id   text NOT NULL,
	id          text NOT NULL,
	data        jsonb NOT NULL,
	PRIMARY KEY (folder_id, id)
);

CREATE TABLE IF NOT EXISTS segments (
	segment_id       text NOT NULL,
	redundancy_index int  NOT NULL,
	folder_id        text NOT NULL,
	owner_id         text NOT NULL,
	segment_index    int  NOT NULL,
	state            text NOT NULL,
	created_at       timestamptz NOT NULL DEFAULT now(),
	data             jsonb NOT NULL,
	PRIMARY KEY (segment_id, redundancy_index)
);
CREATE INDEX IF NOT EXISTS segments_by_owner
	ON segments (folder_id, owner_id, segment_index, redundancy_index);
CREATE INDEX IF NOT EXISTS segments_pending
	ON segments (folder_id) WHERE state = 'pending';
CREATE INDEX IF NOT EXISTS segments_created_brin
	ON segments USING brin (created_at);

CREATE TABLE IF NOT EXISTS packed_groups (
	id        text PRIMARY KEY,
	folder_id text NOT NULL,
	data      jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS packed_groups_by_folder ON packed_groups (folder_id);

CREATE TABLE IF NOT EXISTS operations (
	id   text PRIMARY KEY,
	data jsonb NOT NULL
);

CREATE TABLE IF NOT EXISTS shares (
	id        text PRIMARY KEY,
	folder_id text NOT NULL,
	data      jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS shares_by_folder ON shares (folder_id);

CREATE TABLE IF NOT EXISTS folder_counters (
	folder_id text PRIMARY KEY,
	files     bigint NOT NULL DEFAULT 0,
	segments  bigint NOT NULL DEFAULT 0,
	bytes     bigint NOT NULL DEFAULT 0
);
`

// PostgresStore implements Store across one or more postgres shards.
// Rows are hash-sharded by folder id; the user row and operations live
// on shard 0. Every bulk operation is atomic within its shard.
type PostgresStore struct {
	shards []*sql.DB
}

// NewPostgresStore connects to every shard DSN and ensures the schema.
func NewPostgresStore(shardDSNs []string) (*PostgresStore, error) {
	if len(shardDSNs) == 0 {
		return nil, errdefs.InvalidInput.New("at least one shard DSN is required")
	}
	s := &PostgresStore{}
	for i, dsn := range shardDSNs {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to open shard %d: %w", i, err)
		}
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(time.Hour)
		if _, err := db.Exec(pgSchema); err != nil {
			db.Close()
			s.Close()
			return nil, fmt.Errorf("failed to create schema on shard %d: %w", i, err)
		}
		s.shards = append(s.shards, db)
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	var firstErr error
	for _, db := range s.shards {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// shardFor picks the shard owning a folder's rows.
func (s *PostgresStore) shardFor(folderID string) *sql.DB {
	h := fnv.New32a()
	h.Write([]byte(folderID))
	return s.shards[int(h.Sum32())%len(s.shards)]
}

// pgErr maps driver errors onto the taxonomy. Unique violations are
// DuplicateEntity; connection-level failures are Retryable.
func pgErr(err error) error {
	if err == nil {
		return nil
	}
	var perr *pq.Error
	if errors.As(err, &perr) {
		switch perr.Code {
		case "23505":
			return errdefs.DuplicateEntity.Wrap(err)
		case "40001", "40P01":
			return errdefs.Retryable.Wrap(err)
		}
	}
	if strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset") ||
		errors.Is(err, sql.ErrConnDone) {
		return errdefs.Retryable.Wrap(err)
	}
	return err
}

// --- User ---

func (s *PostgresStore) CreateUser(user *types.User) error {
	_, err := s.shards[0].Exec(
		`INSERT INTO users (singleton, user_id, display_name, created_at) VALUES (1, $1, $2, $3)`,
		user.UserID, user.DisplayName, user.CreatedAt)
	if err != nil {
		if dup := pgErr(err); errdefs.DuplicateEntity.Has(dup) {
			return errdefs.DuplicateEntity.New("user already initialized")
		}
		return pgErr(err)
	}
	return nil
}

func (s *PostgresStore) GetUser() (*types.User, error) {
	var user types.User
	err := s.shards[0].QueryRow(
		`SELECT user_id, display_name, created_at FROM users WHERE singleton = 1`,
	).Scan(&user.UserID, &user.DisplayName, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr(err)
	}
	return &user, nil
}

// --- Folders ---

// A folder row lives on the shard that owns all of the folder's
// other rows, so folder-scoped transactions stay on one shard. Path
// uniqueness is enforced by a pre-probe across shards; the window
// between probe and insert is acceptable for a single local client.
func (s *PostgresStore) CreateFolder(folder *types.Folder) error {
	if existing, err := s.GetFolderByPath(folder.Path); err == nil && existing != nil {
		return errdefs.DuplicateEntity.New("folder path already managed: %s", folder.Path)
	}
	data, err := json.Marshal(folder)
	if err != nil {
		return err
	}
	_, err = s.shardFor(folder.ID).Exec(
		`INSERT INTO folders (id, path, data) VALUES ($1, $2, $3)`,
		folder.ID, folder.Path, data)
	if errdefs.DuplicateEntity.Has(pgErr(err)) {
		return errdefs.DuplicateEntity.New("folder already exists: %s", folder.ID)
	}
	return pgErr(err)
}

func (s *PostgresStore) GetFolder(id string) (*types.Folder, error) {
	var data []byte
	err := s.shardFor(id).QueryRow(`SELECT data FROM folders WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.InvalidInput.New("folder not found: %s", id)
	}
	if err != nil {
		return nil, pgErr(err)
	}
	var folder types.Folder
	if err := json.Unmarshal(data, &folder); err != nil {
		return nil, err
	}
	return &folder, nil
}

func (s *PostgresStore) GetFolderByPath(path string) (*types.Folder, error) {
	for _, db := range s.shards {
		var data []byte
		err := db.QueryRow(`SELECT data FROM folders WHERE path = $1`, path).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, pgErr(err)
		}
		var folder types.Folder
		if err := json.Unmarshal(data, &folder); err != nil {
			return nil, err
		}
		return &folder, nil
	}
	return nil, errdefs.InvalidInput.New("folder not found: %s", path)
}

func (s *PostgresStore) ListFolders() ([]*types.Folder, error) {
	var folders []*types.Folder
	for _, db := range s.shards {
		rows, err := db.Query(`SELECT data FROM folders ORDER BY id`)
		if err != nil {
			return nil, pgErr(err)
		}
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				rows.Close()
				return nil, pgErr(err)
			}
			var folder types.Folder
			if err := json.Unmarshal(data, &folder); err != nil {
				rows.Close()
				return nil, err
			}
			folders = append(folders, &folder)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, pgErr(err)
		}
		rows.Close()
	}
	return folders, nil
}

func (s *PostgresStore) UpdateFolder(folder *types.Folder) error {
	data, err := json.Marshal(folder)
	if err != nil {
		return err
	}
	_, err = s.shardFor(folder.ID).Exec(`UPDATE folders SET data = $2 WHERE id = $1`, folder.ID, data)
	return pgErr(err)
}

// --- Files ---

func (s *PostgresStore) BulkInsertFiles(files []*types.File) error {
	if len(files) == 0 {
		return nil
	}
	// Bulk rows group by folder, so batches stay shard-local.
	byShard := map[*sql.DB][]*types.File{}
	for _, f := range files {
		db := s.shardFor(f.FolderID)
		byShard[db] = append(byShard[db], f)
	}
	for db, batch := range byShard {
		if err := s.bulkInsertFilesShard(db, batch); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) bulkInsertFilesShard(db *sql.DB, files []*types.File) error {
	tx, err := db.Begin()
	if err != nil {
		return pgErr(err)
	}
	defer tx.Rollback()

	for start := 0; start < len(files); start += bulkInsertBatch {
		end := min(start+bulkInsertBatch, len(files))
		chunk := files[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO files (folder_id, id, data) VALUES `)
		args := make([]any, 0, len(chunk)*3)
		for i, f := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "($%d, $%d, $%d)", i*3+1, i*3+2, i*3+3)
			data, err := json.Marshal(f)
			if err != nil {
				return err
			}
			args = append(args, f.FolderID, f.ID, data)
		}
		if _, err := tx.Exec(sb.String(), args...); err != nil {
			return pgErr(err)
		}
	}

	counters := map[string]*Counts{}
	for _, f := range files {
		c, ok := counters[f.FolderID]
		if !ok {
			c = &Counts{}
			counters[f.FolderID] = c
		}
		c.Files++
		c.Bytes += f.Size
	}
	for folderID, c := range counters {
		if err := bumpCounters(tx, folderID, c.Files, 0, c.Bytes); err != nil {
			return err
		}
	}
	return pgErr(tx.Commit())
}

func (s *PostgresStore) GetFile(folderID, fileID string) (*types.File, error) {
	var data []byte
	err := s.shardFor(folderID).QueryRow(
		`SELECT data FROM files WHERE folder_id = $1 AND id = $2`, folderID, fileID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.InvalidInput.New("file not found: %s", fileID)
	}
	if err != nil {
		return nil, pgErr(err)
	}
	var file types.File
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

func (s *PostgresStore) UpdateFile(file *types.File) error {
	data, err := json.Marshal(file)
	if err != nil {
		return err
	}
	_, err = s.shardFor(file.FolderID).Exec(
		`UPDATE files SET data = $3 WHERE folder_id = $1 AND id = $2`, file.FolderID, file.ID, data)
	return pgErr(err)
}

func (s *PostgresStore) StreamFilesByFolder(folderID string, fn func(*types.File) error) error {
	rows, err := s.shardFor(folderID).Query(
		`SELECT data FROM files WHERE folder_id = $1 ORDER BY id`, folderID)
	if err != nil {
		return pgErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return pgErr(err)
		}
		var file types.File
		if err := json.Unmarshal(data, &file); err != nil {
			return err
		}
		if err := fn(&file); err != nil {
			return err
		}
	}
	return pgErr(rows.Err())
}

// --- Segments ---

func segmentOwner(seg *types.Segment) string {
	if seg.FileID != "" {
		return seg.FileID
	}
	return seg.PackedGroupID
}

func (s *PostgresStore) BulkInsertSegments(segments []*types.Segment) error {
	if len(segments) == 0 {
		return nil
	}
	byShard := map[*sql.DB][]*types.Segment{}
	for _, seg := range segments {
		db := s.shardFor(seg.FolderID)
		byShard[db] = append(byShard[db], seg)
	}
	for db, batch := range byShard {
		if err := s.bulkInsertSegmentsShard(db, batch); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) bulkInsertSegmentsShard(db *sql.DB, segments []*types.Segment) error {
	tx, err := db.Begin()
	if err != nil {
		return pgErr(err)
	}
	defer tx.Rollback()

	const cols = 7
	for start := 0; start < len(segments); start += bulkInsertBatch {
		end := min(start+bulkInsertBatch, len(segments))
		chunk := segments[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO segments (segment_id, redundancy_index, folder_id, owner_id, segment_index, state, data) VALUES `)
		args := make([]any, 0, len(chunk)*cols)
		for i, seg := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			base := i * cols
			fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7)
			data, err := json.Marshal(seg)
			if err != nil {
				return err
			}
			args = append(args, seg.SegmentID, seg.RedundancyIndex, seg.FolderID,
				segmentOwner(seg), seg.SegmentIndex, string(seg.State), data)
		}
		if _, err := tx.Exec(sb.String(), args...); err != nil {
			return pgErr(err)
		}
	}

	counters := map[string]int64{}
	for _, seg := range segments {
		counters[seg.FolderID]++
	}
	for folderID, n := range counters {
		if err := bumpCounters(tx, folderID, 0, n, 0); err != nil {
			return err
		}
	}
	return pgErr(tx.Commit())
}

func (s *PostgresStore) UpdateSegment(seg *types.Segment) error {
	data, err := json.Marshal(seg)
	if err != nil {
		return err
	}
	_, err = s.shardFor(seg.FolderID).Exec(
		`UPDATE segments SET state = $3, data = $4 WHERE segment_id = $1 AND redundancy_index = $2`,
		seg.SegmentID, seg.RedundancyIndex, string(seg.State), data)
	return pgErr(err)
}

func (s *PostgresStore) GetSegment(segmentID string, redundancyIndex int) (*types.Segment, error) {
	// The segment id does not carry its shard; probe each in turn.
	for _, db := range s.shards {
		var data []byte
		err := db.QueryRow(
			`SELECT data FROM segments WHERE segment_id = $1 AND redundancy_index = $2`,
			segmentID, redundancyIndex).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, pgErr(err)
		}
		var seg types.Segment
		if err := json.Unmarshal(data, &seg); err != nil {
			return nil, err
		}
		return &seg, nil
	}
	return nil, errdefs.InvalidInput.New("segment not found: %s/%d", segmentID, redundancyIndex)
}

func (s *PostgresStore) StreamSegmentsByFile(folderID, fileID string, fn func(*types.Segment) error) error {
	return s.streamSegments(folderID,
		`SELECT data FROM segments WHERE folder_id = $1 AND owner_id = $2
		 ORDER BY segment_index, redundancy_index`, fn, folderID, fileID)
}

func (s *PostgresStore) StreamSegmentsByFolder(folderID string, fn func(*types.Segment) error) error {
	return s.streamSegments(folderID,
		`SELECT data FROM segments WHERE folder_id = $1
		 ORDER BY owner_id, segment_index, redundancy_index`, fn, folderID)
}

func (s *PostgresStore) streamSegments(folderID, query string, fn func(*types.Segment) error, args ...any) error {
	rows, err := s.shardFor(folderID).Query(query, args...)
	if err != nil {
		return pgErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return pgErr(err)
		}
		var seg types.Segment
		if err := json.Unmarshal(data, &seg); err != nil {
			return err
		}
		if err := fn(&seg); err != nil {
			return err
		}
	}
	return pgErr(rows.Err())
}

func (s *PostgresStore) DeleteSegmentsByFolder(folderID string) error {
	db := s.shardFor(folderID)
	tx, err := db.Begin()
	if err != nil {
		return pgErr(err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM segments WHERE folder_id = $1`, folderID)
	if err != nil {
		return pgErr(err)
	}
	n, _ := res.RowsAffected()
	if err := bumpCounters(tx, folderID, 0, -n, 0); err != nil {
		return err
	}
	return pgErr(tx.Commit())
}

// --- Packed groups ---

func (s *PostgresStore) CreatePackedGroup(group *types.PackedGroup) error {
	data, err := json.Marshal(group)
	if err != nil {
		return err
	}
	_, err = s.shardFor(group.FolderID).Exec(
		`INSERT INTO packed_groups (id, folder_id, data) VALUES ($1, $2, $3)`,
		group.ID, group.FolderID, data)
	if errdefs.DuplicateEntity.Has(pgErr(err)) {
		return errdefs.DuplicateEntity.New("packed group already exists: %s", group.ID)
	}
	return pgErr(err)
}

func (s *PostgresStore) GetPackedGroup(id string) (*types.PackedGroup, error) {
	for _, db := range s.shards {
		var data []byte
		err := db.QueryRow(`SELECT data FROM packed_groups WHERE id = $1`, id).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, pgErr(err)
		}
		var group types.PackedGroup
		if err := json.Unmarshal(data, &group); err != nil {
			return nil, err
		}
		return &group, nil
	}
	return nil, errdefs.InvalidInput.New("packed group not found: %s", id)
}

func (s *PostgresStore) ListPackedGroupsByFolder(folderID string) ([]*types.PackedGroup, error) {
	rows, err := s.shardFor(folderID).Query(
		`SELECT data FROM packed_groups WHERE folder_id = $1 ORDER BY id`, folderID)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var groups []*types.PackedGroup
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, pgErr(err)
		}
		var group types.PackedGroup
		if err := json.Unmarshal(data, &group); err != nil {
			return nil, err
		}
		groups = append(groups, &group)
	}
	return groups, pgErr(rows.Err())
}

func (s *PostgresStore) DeletePackedGroupsByFolder(folderID string) error {
	_, err := s.shardFor(folderID).Exec(`DELETE FROM packed_groups WHERE folder_id = $1`, folderID)
	return pgErr(err)
}

// --- Operations ---

func (s *PostgresStore) CreateOperation(op *types.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	_, err = s.shards[0].Exec(`INSERT INTO operations (id, data) VALUES ($1, $2)`, op.ID, data)
	if errdefs.DuplicateEntity.Has(pgErr(err)) {
		return errdefs.DuplicateEntity.New("operation already exists: %s", op.ID)
	}
	return pgErr(err)
}

func (s *PostgresStore) GetOperation(id string) (*types.Operation, error) {
	var data []byte
	err := s.shards[0].QueryRow(`SELECT data FROM operations WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.InvalidInput.New("operation not found: %s", id)
	}
	if err != nil {
		return nil, pgErr(err)
	}
	var op types.Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

func (s *PostgresStore) UpdateOperation(op *types.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	_, err = s.shards[0].Exec(`UPDATE operations SET data = $2 WHERE id = $1`, op.ID, data)
	return pgErr(err)
}

func (s *PostgresStore) UpdateOperationCheckpoint(id string, checkpoint []byte, progress float64) error {
	op, err := s.GetOperation(id)
	if err != nil {
		return err
	}
	op.Checkpoint = checkpoint
	if progress > op.Progress {
		op.Progress = progress
	}
	return s.UpdateOperation(op)
}

func (s *PostgresStore) ListOperations() ([]*types.Operation, error) {
	rows, err := s.shards[0].Query(`SELECT data FROM operations ORDER BY id`)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var ops []*types.Operation
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, pgErr(err)
		}
		var op types.Operation
		if err := json.Unmarshal(data, &op); err != nil {
			return nil, err
		}
		ops = append(ops, &op)
	}
	return ops, pgErr(rows.Err())
}

// --- Shares ---

func (s *PostgresStore) CreateShare(share *types.Share) error {
	data, err := json.Marshal(share)
	if err != nil {
		return err
	}
	_, err = s.shardFor(share.FolderID).Exec(
		`INSERT INTO shares (id, folder_id, data) VALUES ($1, $2, $3)`,
		share.ID, share.FolderID, data)
	if errdefs.DuplicateEntity.Has(pgErr(err)) {
		return errdefs.DuplicateEntity.New("share already exists: %s", share.ID)
	}
	return pgErr(err)
}

func (s *PostgresStore) GetShare(id string) (*types.Share, error) {
	for _, db := range s.shards {
		var data []byte
		err := db.QueryRow(`SELECT data FROM shares WHERE id = $1`, id).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, pgErr(err)
		}
		var share types.Share
		if err := json.Unmarshal(data, &share); err != nil {
			return nil, err
		}
		return &share, nil
	}
	return nil, errdefs.InvalidInput.New("share not found: %s", id)
}

func (s *PostgresStore) UpdateShare(share *types.Share) error {
	data, err := json.Marshal(share)
	if err != nil {
		return err
	}
	_, err = s.shardFor(share.FolderID).Exec(
		`UPDATE shares SET data = $2 WHERE id = $1`, share.ID, data)
	return pgErr(err)
}

func (s *PostgresStore) ListShares() ([]*types.Share, error) {
	var shares []*types.Share
	for _, db := range s.shards {
		rows, err := db.Query(`SELECT data FROM shares ORDER BY id`)
		if err != nil {
			return nil, pgErr(err)
		}
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				rows.Close()
				return nil, pgErr(err)
			}
			var share types.Share
			if err := json.Unmarshal(data, &share); err != nil {
				rows.Close()
				return nil, err
			}
			shares = append(shares, &share)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, pgErr(err)
		}
		rows.Close()
	}
	return shares, nil
}

func (s *PostgresStore) ListSharesByFolder(folderID string) ([]*types.Share, error) {
	rows, err := s.shardFor(folderID).Query(
		`SELECT data FROM shares WHERE folder_id = $1 ORDER BY id`, folderID)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var shares []*types.Share
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, pgErr(err)
		}
		var share types.Share
		if err := json.Unmarshal(data, &share); err != nil {
			return nil, err
		}
		shares = append(shares, &share)
	}
	return shares, pgErr(rows.Err())
}

// --- Counters ---

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func bumpCounters(tx execer, folderID string, files, segments, bytes int64) error {
	_, err := tx.Exec(`
		INSERT INTO folder_counters (folder_id, files, segments, bytes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (folder_id) DO UPDATE SET
			files = folder_counters.files + EXCLUDED.files,
			segments = folder_counters.segments + EXCLUDED.segments,
			bytes = folder_counters.bytes + EXCLUDED.bytes`,
		folderID, files, segments, bytes)
	return pgErr(err)
}

func (s *PostgresStore) FolderCounts(folderID string) (Counts, error) {
	var counts Counts
	err := s.shardFor(folderID).QueryRow(
		`SELECT files, segments, bytes FROM folder_counters WHERE folder_id = $1`,
		folderID).Scan(&counts.Files, &counts.Segments, &counts.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Counts{}, nil
	}
	return counts, pgErr(err)
}

// --- Transactions ---

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) UpdateFolder(folder *types.Folder) error {
	data, err := json.Marshal(folder)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`UPDATE folders SET data = $2 WHERE id = $1`, folder.ID, data)
	return pgErr(err)
}

func (t *pgTx) UpdateFile(file *types.File) error {
	data, err := json.Marshal(file)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`UPDATE files SET data = $3 WHERE folder_id = $1 AND id = $2`,
		file.FolderID, file.ID, data)
	return pgErr(err)
}

func (t *pgTx) UpdateSegment(seg *types.Segment) error {
	data, err := json.Marshal(seg)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(
		`UPDATE segments SET state = $3, data = $4 WHERE segment_id = $1 AND redundancy_index = $2`,
		seg.SegmentID, seg.RedundancyIndex, string(seg.State), data)
	return pgErr(err)
}

func (t *pgTx) UpdateShare(share *types.Share) error {
	data, err := json.Marshal(share)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`UPDATE shares SET data = $2 WHERE id = $1`, share.ID, data)
	return pgErr(err)
}

// Transaction runs fn atomically on the shard owning folderID.
func (s *PostgresStore) Transaction(folderID string, fn func(tx Tx) error) error {
	db := s.shardFor(folderID)
	tx, err := db.Begin()
	if err != nil {
		return pgErr(err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return pgErr(tx.Commit())
}
