package operations

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/events"
	"github.com/nntpvault/nntpvault/pkg/log"
	"github.com/nntpvault/nntpvault/pkg/metrics"
	"github.com/nntpvault/nntpvault/pkg/storage"
	"github.com/nntpvault/nntpvault/pkg/types"
	"github.com/rs/zerolog"
)

// Runner owns the lifecycle of long-running operations: row creation,
// checkpointing, cancellation, terminal-state classification, and
// progress events. Progress ratios are monotonically non-decreasing;
// the store enforces that on checkpoint writes.
type Runner struct {
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a runner.
func NewRunner(store storage.Store, broker *events.Broker) *Runner {
	return &Runner{
		store:   store,
		broker:  broker,
		logger:  log.WithComponent("operations"),
		cancels: map[string]context.CancelFunc{},
	}
}

// Handle is what a running operation body uses to report progress
// and persist resume state.
type Handle struct {
	ID     string
	runner *Runner

	mu         sync.Mutex
	lastRatio  float64
	started    time.Time
	lastUpdate time.Time
}

// Progress reports done/total units. Throttled to one store write per
// second except for the terminal update.
func (h *Handle) Progress(done, total int64) {
	if total <= 0 {
		return
	}
	ratio := float64(done) / float64(total)

	h.mu.Lock()
	if ratio < h.lastRatio {
		ratio = h.lastRatio
	}
	throttled := time.Since(h.lastUpdate) < time.Second && ratio < 1
	if !throttled {
		h.lastRatio = ratio
		h.lastUpdate = time.Now()
	}
	h.mu.Unlock()
	if throttled {
		return
	}

	if err := h.runner.store.UpdateOperationCheckpoint(h.ID, nil, ratio); err != nil {
		h.runner.logger.Error().Err(err).Str("operation_id", h.ID).Msg("Failed to persist progress")
	}
	h.runner.broker.Publish(&events.Event{
		Type:    events.EventOperationProgress,
		Message: h.ID,
		Metadata: map[string]string{
			"operation_id": h.ID,
			"eta":          h.eta(ratio).String(),
		},
	})
}

// eta derives a rough completion estimate from average throughput so
// far.
func (h *Handle) eta(ratio float64) time.Duration {
	if ratio <= 0 {
		return 0
	}
	elapsed := time.Since(h.started)
	return time.Duration(float64(elapsed)/ratio - float64(elapsed))
}

// Checkpoint persists opaque resume state together with progress.
func (h *Handle) Checkpoint(data []byte, done, total int64) error {
	ratio := 0.0
	if total > 0 {
		ratio = float64(done) / float64(total)
	}
	return h.runner.store.UpdateOperationCheckpoint(h.ID, data, ratio)
}

// Start creates the operation row and runs fn in the background. The
// context passed to fn is cancelled by Cancel(operationID); fn is
// responsible for checking it at loop boundaries and persisting a
// checkpoint before returning.
func (r *Runner) Start(opType types.OperationType, entityID string, priority types.Priority, fn func(ctx context.Context, h *Handle) error) (string, error) {
	op := &types.Operation{
		ID:        uuid.New().String(),
		EntityID:  entityID,
		Type:      opType,
		State:     types.OperationStateRunning,
		Priority:  priority,
		StartedAt: time.Now().UTC(),
	}
	if err := r.store.CreateOperation(op); err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels[op.ID] = cancel
	r.mu.Unlock()

	r.broker.Publish(&events.Event{
		Type:     events.EventOperationStarted,
		Message:  op.ID,
		Metadata: map[string]string{"operation_id": op.ID, "type": string(opType)},
	})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()

		h := &Handle{ID: op.ID, runner: r, started: time.Now()}
		err := fn(ctx, h)

		// Drop the cancel hook before the terminal write so a caller
		// who observes a terminal state can no longer race Cancel.
		r.mu.Lock()
		delete(r.cancels, op.ID)
		r.mu.Unlock()

		r.finish(op.ID, err)
	}()
	return op.ID, nil
}

// finish classifies the outcome and persists the terminal state.
func (r *Runner) finish(id string, err error) {
	op, gerr := r.store.GetOperation(id)
	if gerr != nil {
		r.logger.Error().Err(gerr).Str("operation_id", id).Msg("Failed to load operation for finish")
		return
	}

	eventType := events.EventOperationCompleted
	switch {
	case err == nil:
		op.State = types.OperationStateCompleted
		op.Progress = 1
	case errdefs.Cancelled.Has(err):
		op.State = types.OperationStateCancelled
		op.Error = err.Error()
		eventType = events.EventOperationCancelled
	case errdefs.PartialResult.Has(err):
		op.State = types.OperationStatePartial
		op.Error = err.Error()
	default:
		op.State = types.OperationStateFailed
		op.Error = err.Error()
		eventType = events.EventOperationFailed
	}
	op.EndedAt = time.Now().UTC()

	if uerr := r.store.UpdateOperation(op); uerr != nil {
		r.logger.Error().Err(uerr).Str("operation_id", id).Msg("Failed to persist terminal state")
	}
	metrics.OperationsTotal.WithLabelValues(string(op.Type), string(op.State)).Inc()
	r.broker.Publish(&events.Event{
		Type:    eventType,
		Message: id,
		Metadata: map[string]string{
			"operation_id": id,
			"state":        string(op.State),
			"error":        op.Error,
			"kind":         string(errdefs.KindOf(err)),
		},
	})
}

// Cancel requests cooperative cancellation of a running operation.
func (r *Runner) Cancel(id string) error {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if !ok {
		op, err := r.store.GetOperation(id)
		if err != nil {
			return err
		}
		if op.State.Terminal() {
			return errdefs.InvalidInput.New("operation %s already finished", id)
		}
		// Row says running but no goroutine owns it: a previous
		// process crashed. Mark it cancelled directly.
		op.State = types.OperationStateCancelled
		op.EndedAt = time.Now().UTC()
		return r.store.UpdateOperation(op)
	}
	cancel()
	return nil
}

// Get returns a snapshot of the operation.
func (r *Runner) Get(id string) (*types.Operation, error) {
	return r.store.GetOperation(id)
}

// List returns all operations.
func (r *Runner) List() ([]*types.Operation, error) {
	return r.store.ListOperations()
}

// RecoverStale marks operations left running by a crashed process as
// failed so a fresh start can resume their work cleanly.
func (r *Runner) RecoverStale() error {
	ops, err := r.store.ListOperations()
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.State == types.OperationStateRunning || op.State == types.OperationStatePending {
			op.State = types.OperationStateFailed
			op.Error = "interrupted by process exit"
			op.EndedAt = time.Now().UTC()
			if err := r.store.UpdateOperation(op); err != nil {
				return err
			}
		}
	}
	return nil
}

// Wait blocks until all running operations return. Used on shutdown.
func (r *Runner) Wait() {
	r.wg.Wait()
}
