/*
Package storage provides uniform persistence for all entities behind
one Store contract, with two interchangeable backends.

The embedded backend (bbolt) serves datasets up to roughly 100 GB /
1M segments from a single database file. All writes funnel through a
dedicated writer goroutine, so the write path is serialized no matter
how many workers are posting; reads run against MVCC snapshots and
stay stable under concurrent writes.

The server backend (postgres via lib/pq) serves datasets up to 20 TB /
30M segments. Rows are hash-sharded by folder id, so one folder's
files, segments, packed groups, and shares always live on one shard
and folder-scoped transactions never cross shards. Bulk writes use
multi-row inserts of up to 1000 rows; the pending-segment scan is
served by a partial index and timestamp scans by a BRIN index.

	┌───────────────────── Store ──────────────────────┐
	│  CreateUser / GetUser           (singleton row)   │
	│  Folder / File CRUD + streams                     │
	│  BulkInsertSegments / StreamSegmentsByFile        │
	│  Operations (checkpoint, monotone progress)       │
	│  Shares (+ per-folder index)                      │
	│  FolderCounts  (maintained counters, no scans)    │
	│  Transaction(folderID, fn)  (one shard, no nest)  │
	└──────────────┬─────────────────────┬─────────────┘
	               │                     │
	         BoltStore             PostgresStore
	   (writer task + buckets)   (fnv shard ring + SQL)

Streaming reads are cursor-shaped callbacks; the full result set is
never materialized. Exact counts come from maintained counters, never
SELECT COUNT(*).
*/
package storage
