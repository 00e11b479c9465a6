package uploader

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/nntpvault/nntpvault/pkg/crypto"
	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/log"
	"github.com/nntpvault/nntpvault/pkg/metrics"
	"github.com/nntpvault/nntpvault/pkg/nntp"
	"github.com/nntpvault/nntpvault/pkg/obfuscate"
	"github.com/nntpvault/nntpvault/pkg/storage"
	"github.com/nntpvault/nntpvault/pkg/types"
	"github.com/nntpvault/nntpvault/pkg/yenc"
	"github.com/rs/zerolog"
)

// maxPadding bounds the random trailer appended to every article so
// replicas of the same plaintext never share a ciphertext length.
const maxPadding = 255

// Options configures article construction.
type Options struct {
	FromHeader      string
	MessageIDSuffix string
	Workers         int
}

// Task is one segment replica awaiting post.
type Task struct {
	Folder     *types.Folder
	Segment    *types.Segment
	ContentKey []byte
	Priority   types.Priority
	Batch      *Batch

	seq int64 // FIFO tiebreak within a priority level
}

// Batch tracks completion of a group of tasks belonging to one
// operation. The durable queue is the store itself: tasks are
// re-derived from pending segment rows after a crash.
type Batch struct {
	OperationID string

	wg     sync.WaitGroup
	mu     sync.Mutex
	failed int
	done   int
	onDone func(seg *types.Segment, err error)
}

// NewBatch creates a completion tracker. onDone runs after each task
// reaches a terminal state, successful or not.
func NewBatch(operationID string, onDone func(seg *types.Segment, err error)) *Batch {
	return &Batch{OperationID: operationID, onDone: onDone}
}

// Wait blocks until every enqueued task of the batch is terminal and
// returns the number of failures.
func (b *Batch) Wait() int {
	b.wg.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failed
}

func (b *Batch) finish(seg *types.Segment, err error) {
	b.mu.Lock()
	b.done++
	if err != nil {
		b.failed++
	}
	cb := b.onDone
	b.mu.Unlock()
	if cb != nil {
		cb(seg, err)
	}
	b.wg.Done()
}

// Uploader drains a priority queue of segment-post tasks through the
// NNTP pool. Workers are long-lived; folders share the queue and
// higher-priority work overtakes lower.
type Uploader struct {
	store  storage.Store
	pool   *nntp.Pool
	source Source
	opts   Options
	logger zerolog.Logger

	mu        sync.Mutex
	queue     taskHeap
	seq       int64
	cancelled map[string]bool // operation id -> cancel flag
	closed    bool
	cond      *sync.Cond

	workerWG sync.WaitGroup
}

// New creates an uploader and starts its workers.
func New(store storage.Store, pool *nntp.Pool, source Source, opts Options) *Uploader {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	u := &Uploader{
		store:     store,
		pool:      pool,
		source:    source,
		opts:      opts,
		logger:    log.WithComponent("uploader"),
		cancelled: map[string]bool{},
	}
	u.cond = sync.NewCond(&u.mu)
	u.startWorkers(opts.Workers)
	return u
}

func (u *Uploader) startWorkers(n int) {
	for i := 0; i < n; i++ {
		u.workerWG.Add(1)
		go u.worker()
	}
}

// Enqueue adds one task. The segment row must already be persisted;
// the in-memory heap only orders work that the store already owns.
func (u *Uploader) Enqueue(task *Task) {
	task.Batch.wg.Add(1)
	u.mu.Lock()
	u.seq++
	task.seq = u.seq
	heap.Push(&u.queue, task)
	metrics.UploadQueueDepth.Set(float64(u.queue.Len()))
	u.mu.Unlock()
	u.cond.Signal()
}

// Cancel flags an operation; its queued tasks drain without posting
// and in-flight workers observe the flag at the next loop boundary.
func (u *Uploader) Cancel(operationID string) {
	u.mu.Lock()
	u.cancelled[operationID] = true
	u.mu.Unlock()
	u.cond.Broadcast()
}

// Close stops the workers after the current tasks finish.
func (u *Uploader) Close() {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	u.cond.Broadcast()
	u.workerWG.Wait()
}

func (u *Uploader) worker() {
	defer u.workerWG.Done()
	for {
		task, ok := u.next()
		if !ok {
			return
		}
		u.process(task)
	}
}

func (u *Uploader) next() (*Task, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for {
		if u.queue.Len() > 0 {
			task := heap.Pop(&u.queue).(*Task)
			metrics.UploadQueueDepth.Set(float64(u.queue.Len()))
			return task, true
		}
		if u.closed {
			return nil, false
		}
		u.cond.Wait()
	}
}

func (u *Uploader) isCancelled(operationID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cancelled[operationID]
}

// process runs the per-segment worker loop: encrypt, build article,
// post, persist the returned identity.
func (u *Uploader) process(task *Task) {
	seg := task.Segment
	if u.isCancelled(task.Batch.OperationID) {
		// Leave the row pending so a resumed operation picks it up.
		task.Batch.finish(seg, errdefs.Cancelled.New("operation cancelled"))
		return
	}

	err := u.postSegment(task)
	if err == nil {
		task.Batch.finish(seg, nil)
		return
	}
	if errdefs.Cancelled.Has(err) {
		task.Batch.finish(seg, err)
		return
	}

	// Permanent failure: record it and move on. One failed segment
	// never fails the folder; the folder lands in uploaded/partial.
	seg.State = types.SegmentStateFailed
	seg.Error = err.Error()
	if uerr := u.store.UpdateSegment(seg); uerr != nil {
		u.logger.Error().Err(uerr).Str("segment_id", seg.SegmentID).Msg("Failed to persist segment failure")
	}
	u.logger.Warn().Err(err).
		Str("segment_id", seg.SegmentID).
		Int("redundancy_index", seg.RedundancyIndex).
		Msg("Segment post failed permanently")
	task.Batch.finish(seg, err)
}

func (u *Uploader) postSegment(task *Task) error {
	seg := task.Segment
	folder := task.Folder

	plaintext, err := u.source.Load(folder, seg)
	if err != nil {
		return err
	}

	nonce, err := crypto.NewNonce()
	if err != nil {
		return err
	}
	aad := crypto.SegmentAAD(seg.SegmentID, seg.RedundancyIndex, folder.ID)
	ciphertext, err := crypto.Encrypt(task.ContentKey, nonce, plaintext, aad)
	if err != nil {
		return err
	}

	// Random trailer padding keeps replicas from sharing a length.
	padLen, err := crypto.RandomBytes(1)
	if err != nil {
		return err
	}
	padding, err := crypto.RandomBytes(int(padLen[0]) % (maxPadding + 1))
	if err != nil {
		return err
	}

	messageID, err := obfuscate.MessageID(u.opts.MessageIDSuffix)
	if err != nil {
		return err
	}

	body, err := yenc.EncodeToBytes(seg.ExternalSubject, append(ciphertext, padding...))
	if err != nil {
		return err
	}

	article := &nntp.Article{
		MessageID: messageID,
		Subject:   seg.ExternalSubject,
		From:      u.opts.FromHeader,
		Newsgroup: seg.Newsgroup,
		Body:      body,
	}

	seg.State = types.SegmentStateUploading
	if err := u.store.UpdateSegment(seg); err != nil {
		return err
	}

	if err := u.pool.Post(context.Background(), article); err != nil {
		seg.RetryCount++
		return err
	}

	seg.MessageID = messageID
	seg.Nonce = nonce
	seg.PaddingLength = len(padding)
	seg.CiphertextSize = int64(len(ciphertext))
	seg.PostedAt = time.Now().UTC()
	seg.State = types.SegmentStateUploaded
	seg.Error = ""
	return u.store.UpdateSegment(seg)
}

// taskHeap orders by priority, then FIFO.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}
