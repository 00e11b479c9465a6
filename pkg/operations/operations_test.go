package operations

import (
	"context"
	"testing"
	"time"

	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/events"
	"github.com/nntpvault/nntpvault/pkg/log"
	"github.com/nntpvault/nntpvault/pkg/storage"
	"github.com/nntpvault/nntpvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newRunner(t *testing.T) (*Runner, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return NewRunner(store, broker), store
}

func waitTerminal(t *testing.T, r *Runner, id string) *types.Operation {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		op, err := r.Get(id)
		require.NoError(t, err)
		if op.State.Terminal() {
			return op
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("operation did not finish")
	return nil
}

func TestOperationCompletes(t *testing.T) {
	r, _ := newRunner(t)

	id, err := r.Start(types.OperationIndex, "folder-1", types.PriorityNormal,
		func(ctx context.Context, h *Handle) error {
			h.Progress(5, 10)
			return nil
		})
	require.NoError(t, err)

	op := waitTerminal(t, r, id)
	assert.Equal(t, types.OperationStateCompleted, op.State)
	assert.Equal(t, 1.0, op.Progress)
	assert.Equal(t, "folder-1", op.EntityID)
}

func TestOperationFailureClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		state types.OperationState
	}{
		{"plain error", errdefs.Fatal.New("corrupt"), types.OperationStateFailed},
		{"partial", errdefs.PartialResult.New("3 segments missing"), types.OperationStatePartial},
		{"cancelled", errdefs.Cancelled.New("stopped"), types.OperationStateCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newRunner(t)
			id, err := r.Start(types.OperationUpload, "e", types.PriorityNormal,
				func(ctx context.Context, h *Handle) error { return tt.err })
			require.NoError(t, err)

			op := waitTerminal(t, r, id)
			assert.Equal(t, tt.state, op.State)
			assert.NotEmpty(t, op.Error)
		})
	}
}

func TestCancelPropagatesContext(t *testing.T) {
	r, _ := newRunner(t)

	started := make(chan struct{})
	id, err := r.Start(types.OperationDownload, "e", types.PriorityHigh,
		func(ctx context.Context, h *Handle) error {
			close(started)
			<-ctx.Done()
			return errdefs.Cancelled.Wrap(ctx.Err())
		})
	require.NoError(t, err)

	<-started
	require.NoError(t, r.Cancel(id))

	op := waitTerminal(t, r, id)
	assert.Equal(t, types.OperationStateCancelled, op.State)
}

func TestCheckpointPersists(t *testing.T) {
	r, store := newRunner(t)

	id, err := r.Start(types.OperationUpload, "e", types.PriorityNormal,
		func(ctx context.Context, h *Handle) error {
			return h.Checkpoint([]byte(`{"uploaded":7}`), 7, 10)
		})
	require.NoError(t, err)
	waitTerminal(t, r, id)

	op, err := store.GetOperation(id)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"uploaded":7}`), op.Checkpoint)
}

func TestRecoverStale(t *testing.T) {
	r, store := newRunner(t)

	require.NoError(t, store.CreateOperation(&types.Operation{
		ID:    "stale-1",
		Type:  types.OperationUpload,
		State: types.OperationStateRunning,
	}))
	require.NoError(t, r.RecoverStale())

	op, err := store.GetOperation("stale-1")
	require.NoError(t, err)
	assert.Equal(t, types.OperationStateFailed, op.State)
}

func TestCancelFinishedOperation(t *testing.T) {
	r, _ := newRunner(t)

	id, err := r.Start(types.OperationIndex, "e", types.PriorityNormal,
		func(ctx context.Context, h *Handle) error { return nil })
	require.NoError(t, err)
	waitTerminal(t, r, id)

	err = r.Cancel(id)
	assert.True(t, errdefs.InvalidInput.Has(err))
}
