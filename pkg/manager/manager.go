package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nntpvault/nntpvault/pkg/config"
	"github.com/nntpvault/nntpvault/pkg/crypto"
	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/events"
	"github.com/nntpvault/nntpvault/pkg/identity"
	"github.com/nntpvault/nntpvault/pkg/indexer"
	"github.com/nntpvault/nntpvault/pkg/log"
	"github.com/nntpvault/nntpvault/pkg/nntp"
	"github.com/nntpvault/nntpvault/pkg/operations"
	"github.com/nntpvault/nntpvault/pkg/publisher"
	"github.com/nntpvault/nntpvault/pkg/retriever"
	"github.com/nntpvault/nntpvault/pkg/segmenter"
	"github.com/nntpvault/nntpvault/pkg/storage"
	"github.com/nntpvault/nntpvault/pkg/types"
	"github.com/nntpvault/nntpvault/pkg/uploader"
	"github.com/rs/zerolog"
)

// Manager is the top-level runtime: it owns the store, the identity,
// the NNTP pool, and every pipeline component, and exposes the
// in-process API the façade layers consume. All lifetimes are tied
// to New/Close; there is no global state.
type Manager struct {
	cfg      *config.Config
	store    storage.Store
	identity *identity.Manager
	pool     *nntp.Pool
	broker   *events.Broker
	runner   *operations.Runner

	indexer   *indexer.Indexer
	segmenter *segmenter.Segmenter
	uploader  *uploader.Uploader
	publisher *publisher.Publisher
	retriever *retriever.Retriever

	logger zerolog.Logger
}

// New wires the runtime from configuration.
func New(cfg *config.Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	var store storage.Store
	var err error
	switch cfg.Storage.Backend {
	case "postgres":
		store, err = storage.NewPostgresStore(cfg.Storage.ShardDSNs)
	default:
		store, err = storage.NewBoltStore(cfg.DataDir)
	}
	if err != nil {
		return nil, err
	}

	ident, err := identity.NewManager(store, cfg.DataDir)
	if err != nil {
		store.Close()
		return nil, err
	}

	pool := nntp.NewPool(cfg.Servers, nntp.Options{
		MaxConnections:     maxConnections(cfg),
		IdleTimeout:        cfg.IdleTimeout,
		MaxLifetime:        cfg.MaxLifetime,
		PostsPerSecond:     cfg.PostsPerSecond,
		BytesPerSecondConn: cfg.BytesPerSecondConn,
	})

	broker := events.NewBroker()
	broker.Start()
	runner := operations.NewRunner(store, broker)
	if err := runner.RecoverStale(); err != nil {
		pool.Close()
		broker.Stop()
		store.Close()
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		store:    store,
		identity: ident,
		pool:     pool,
		broker:   broker,
		runner:   runner,
		indexer:  indexer.New(store, indexer.Options{Workers: boundedWorkers(cfg, cfg.IndexWorkers)}),
		segmenter: segmenter.New(store, segmenter.Options{
			SegmentSize:   cfg.SegmentSize,
			PackThreshold: cfg.PackThreshold,
			Redundancy:    cfg.RedundancyFactor,
			Newsgroup:     cfg.DefaultNewsgroup,
		}),
		uploader: uploader.New(store, pool, uploader.NewFileSource(store), uploader.Options{
			FromHeader:      cfg.FromHeader,
			MessageIDSuffix: cfg.MessageIDSuffix,
			Workers:         boundedWorkers(cfg, cfg.UploadWorkers),
		}),
		publisher: publisher.New(store, pool, publisher.Options{
			SegmentSize:     cfg.SegmentSize,
			Newsgroup:       cfg.DefaultNewsgroup,
			FromHeader:      cfg.FromHeader,
			MessageIDSuffix: cfg.MessageIDSuffix,
		}),
		retriever: retriever.New(pool, retriever.Options{Workers: boundedWorkers(cfg, cfg.DownloadWorkers)}),
		logger:    log.WithComponent("manager"),
	}
	return m, nil
}

// boundedWorkers applies the configured memory cap as backpressure:
// each worker holds at most one segment-sized buffer in flight, so
// the worker count is clamped to the cap divided by the segment size.
func boundedWorkers(cfg *config.Config, requested int) int {
	if requested <= 0 {
		requested = 4
	}
	if cfg.MemoryCapBytes <= 0 || cfg.SegmentSize <= 0 {
		return requested
	}
	limit := int(cfg.MemoryCapBytes / cfg.SegmentSize)
	if limit < 1 {
		limit = 1
	}
	if requested > limit {
		return limit
	}
	return requested
}

func maxConnections(cfg *config.Config) int {
	maxConns := 0
	for _, s := range cfg.Servers {
		maxConns += s.MaxConnections
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	return maxConns
}

// Close shuts the runtime down in dependency order.
func (m *Manager) Close() error {
	m.uploader.Close()
	m.runner.Wait()
	m.pool.Close()
	m.broker.Stop()
	m.identity.Close()
	return m.store.Close()
}

// Events exposes the progress event broker to façade layers.
func (m *Manager) Events() *events.Broker { return m.broker }

// InitializeUser creates the permanent identity on first call and is
// idempotent afterwards.
func (m *Manager) InitializeUser(displayName string) (string, error) {
	user, err := m.identity.InitializeUser(displayName)
	if err != nil {
		return "", err
	}
	return user.UserID, nil
}

// AddFolder registers a directory and creates its signing keypair.
func (m *Manager) AddFolder(path, name string) (*types.Folder, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errdefs.InvalidInput.New("malformed path: %v", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errdefs.InvalidInput.New("path is not accessible: %v", err)
	}
	if !info.IsDir() {
		return nil, errdefs.InvalidInput.New("path is not a directory: %s", abs)
	}
	if name == "" {
		name = filepath.Base(abs)
	}

	folder := &types.Folder{
		ID:    uuid.New().String(),
		Path:  abs,
		Name:  name,
		State: types.FolderStateAdded,
		Stats: types.FolderStats{
			RedundancyFactor: m.cfg.RedundancyFactor,
			SegmentSize:      m.cfg.SegmentSize,
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := m.identity.GenerateFolderKeys(folder); err != nil {
		return nil, err
	}
	if err := m.store.CreateFolder(folder); err != nil {
		return nil, err
	}
	m.logger.Info().Str("folder_id", folder.ID).Str("path", abs).Msg("Folder added")
	return folder, nil
}

// IndexFolder starts an index (or re-index) operation.
func (m *Manager) IndexFolder(folderID string, force bool) (string, error) {
	folder, err := m.store.GetFolder(folderID)
	if err != nil {
		return "", err
	}

	return m.runner.Start(types.OperationIndex, folderID, types.PriorityNormal, func(ctx context.Context, h *operations.Handle) error {
		if err := m.setFolderState(folder, types.FolderStateIndexing); err != nil {
			return err
		}

		initial := folder.CurrentVersion == 0
		folder.CurrentVersion++

		var idxErrors int
		if initial || force {
			result, err := m.indexer.IndexFolder(ctx, folder, h.Progress)
			if err != nil {
				m.setFolderState(folder, types.FolderStateError)
				return err
			}
			idxErrors = len(result.Errors)
			if result.Files == 0 && idxErrors > 0 {
				m.setFolderState(folder, types.FolderStateError)
				return errdefs.PartialResult.New("no file could be indexed (%d errors)", idxErrors)
			}
			if cp, err := json.Marshal(result.Errors); err == nil {
				h.Checkpoint(cp, result.Files, result.Files)
			}
		} else {
			changes, err := m.indexer.ReindexFolder(ctx, folder)
			if err != nil {
				m.setFolderState(folder, types.FolderStateError)
				return err
			}
			idxErrors = len(changes.Errors)
			if changes.Empty() {
				folder.CurrentVersion-- // nothing changed, keep the version
			}
			m.logger.Info().Str("folder_id", folderID).Msg(changes.Describe())
		}

		counts, err := m.store.FolderCounts(folderID)
		if err != nil {
			return err
		}
		folder.Stats.FileCount = counts.Files
		folder.Stats.ByteCount = counts.Bytes
		folder.UpdatedAt = time.Now().UTC()
		if err := m.setFolderState(folder, types.FolderStateIndexed); err != nil {
			return err
		}
		if idxErrors > 0 {
			return errdefs.PartialResult.New("%d files could not be read", idxErrors)
		}
		return nil
	})
}

// SegmentFolder starts a segmentation operation.
func (m *Manager) SegmentFolder(folderID string) (string, error) {
	folder, err := m.store.GetFolder(folderID)
	if err != nil {
		return "", err
	}
	if folder.State != types.FolderStateIndexed && folder.State != types.FolderStateSegmented {
		return "", errdefs.InvalidInput.New("folder %s is not indexed (state %s)", folderID, folder.State)
	}

	return m.runner.Start(types.OperationSegment, folderID, types.PriorityNormal, func(ctx context.Context, h *operations.Handle) error {
		if err := m.setFolderState(folder, types.FolderStateSegmenting); err != nil {
			return err
		}
		_, signKey, err := m.identity.LoadFolderKeys(folder)
		if err != nil {
			return err
		}
		defer crypto.Zeroize(signKey)

		result, err := m.segmenter.SegmentFolder(ctx, folder, signKey, h.Progress)
		if err != nil {
			m.setFolderState(folder, types.FolderStateError)
			return err
		}

		folder.Stats.SegmentCount = result.Segments
		folder.UpdatedAt = time.Now().UTC()
		return m.setFolderState(folder, types.FolderStateSegmented)
	})
}

// uploadCheckpoint is the persisted resume state of an upload.
type uploadCheckpoint struct {
	Uploaded int64 `json:"uploaded"`
	Failed   int64 `json:"failed"`
	Total    int64 `json:"total"`
}

// UploadFolder starts (or resumes) posting the folder's pending
// segment replicas. Already-uploaded replicas are skipped, which is
// what makes a crashed upload resumable.
func (m *Manager) UploadFolder(folderID string) (string, error) {
	folder, err := m.store.GetFolder(folderID)
	if err != nil {
		return "", err
	}
	switch folder.State {
	case types.FolderStateSegmented, types.FolderStateUploading, types.FolderStatePartial, types.FolderStateUploaded:
	default:
		return "", errdefs.InvalidInput.New("folder %s is not segmented (state %s)", folderID, folder.State)
	}

	contentKey, err := m.contentKey(folderID)
	if err != nil {
		return "", err
	}

	return m.runner.Start(types.OperationUpload, folderID, types.PriorityNormal, func(ctx context.Context, h *operations.Handle) error {
		if err := m.setFolderState(folder, types.FolderStateUploading); err != nil {
			return err
		}

		var pending []*types.Segment
		var alreadyDone int64
		err := m.store.StreamSegmentsByFolder(folderID, func(seg *types.Segment) error {
			switch seg.State {
			case types.SegmentStateUploaded:
				alreadyDone++
			default:
				s := *seg
				pending = append(pending, &s)
			}
			return nil
		})
		if err != nil {
			return err
		}

		total := alreadyDone + int64(len(pending))
		cp := uploadCheckpoint{Uploaded: alreadyDone, Total: total}
		var cpMu sync.Mutex

		batch := uploader.NewBatch(h.ID, func(seg *types.Segment, err error) {
			cpMu.Lock()
			if err == nil {
				cp.Uploaded++
			} else {
				cp.Failed++
			}
			done := cp.Uploaded + cp.Failed
			data, merr := json.Marshal(cp)
			cpMu.Unlock()
			if merr == nil {
				h.Checkpoint(data, done, total)
			}
			h.Progress(done, total)
		})

		// Forward the operation's cancellation into the queue.
		go func() {
			<-ctx.Done()
			m.uploader.Cancel(h.ID)
		}()

		for _, seg := range pending {
			m.uploader.Enqueue(&uploader.Task{
				Folder:     folder,
				Segment:    seg,
				ContentKey: contentKey,
				Priority:   types.PriorityNormal,
				Batch:      batch,
			})
		}
		failed := batch.Wait()

		if ctx.Err() != nil {
			return errdefs.Cancelled.New("upload cancelled")
		}
		if failed > 0 {
			if err := m.setFolderState(folder, types.FolderStatePartial); err != nil {
				return err
			}
			return errdefs.PartialResult.New("%d of %d segment posts failed", failed, total)
		}
		return m.setFolderState(folder, types.FolderStateUploaded)
	})
}

// PublishFolder creates a share for the folder's current version.
// Publication is synchronous: the index is small compared to content.
func (m *Manager) PublishFolder(ctx context.Context, folderID string, mode types.AccessMode, req publisher.Request) (*types.Share, string, error) {
	folder, err := m.store.GetFolder(folderID)
	if err != nil {
		return nil, "", err
	}
	if folder.State != types.FolderStateUploaded && folder.State != types.FolderStatePartial &&
		folder.State != types.FolderStatePublished {
		return nil, "", errdefs.InvalidInput.New("folder %s is not uploaded (state %s)", folderID, folder.State)
	}

	_, signKey, err := m.identity.LoadFolderKeys(folder)
	if err != nil {
		return nil, "", err
	}
	defer crypto.Zeroize(signKey)
	contentKey, err := m.contentKey(folderID)
	if err != nil {
		return nil, "", err
	}

	if err := m.setFolderState(folder, types.FolderStatePublishing); err != nil {
		return nil, "", err
	}
	share, token, err := m.publisher.Publish(ctx, folder, signKey, contentKey, mode, req)
	if err != nil {
		m.setFolderState(folder, types.FolderStateError)
		return nil, "", err
	}
	if err := m.setFolderState(folder, types.FolderStatePublished); err != nil {
		return nil, "", err
	}

	m.broker.Publish(&events.Event{
		Type:     events.EventSharePublished,
		Message:  share.ID,
		Metadata: map[string]string{"share_id": share.ID, "folder_id": folderID},
	})
	return share, token, nil
}

// UpdateShareAuthorization changes a private share's authorized set.
// Content segments are untouched; only the index is reposted.
func (m *Manager) UpdateShareAuthorization(ctx context.Context, shareID string, add, remove []string) (string, error) {
	share, err := m.store.GetShare(shareID)
	if err != nil {
		return "", err
	}
	folder, err := m.store.GetFolder(share.FolderID)
	if err != nil {
		return "", err
	}
	_, signKey, err := m.identity.LoadFolderKeys(folder)
	if err != nil {
		return "", err
	}
	defer crypto.Zeroize(signKey)
	contentKey, err := m.contentKey(folder.ID)
	if err != nil {
		return "", err
	}

	token, err := m.publisher.UpdateAuthorization(ctx, folder, signKey, contentKey, share, add, remove)
	if err != nil {
		return "", err
	}
	m.broker.Publish(&events.Event{
		Type:     events.EventShareUpdated,
		Message:  shareID,
		Metadata: map[string]string{"share_id": shareID},
	})
	return token, nil
}

// Download starts a retrieval operation.
func (m *Manager) Download(accessString string, creds retriever.Credentials, destination string, opts retriever.DownloadOptions) (string, error) {
	if accessString == "" {
		return "", errdefs.InvalidInput.New("access string is required")
	}
	if err := m.checkLocalShareLimits(accessString); err != nil {
		return "", err
	}

	return m.runner.Start(types.OperationDownload, destination, types.PriorityHigh, func(ctx context.Context, h *operations.Handle) error {
		result, err := m.retriever.Download(ctx, accessString, creds, destination, opts, h.Progress)
		if err != nil {
			return err
		}
		if cp, merr := json.Marshal(result); merr == nil {
			h.Checkpoint(cp, 1, 1)
		}
		if len(result.Incomplete) > 0 {
			return errdefs.PartialResult.New("%d files incomplete", len(result.Incomplete))
		}
		return nil
	})
}

// checkLocalShareLimits enforces expiry and download caps when the
// share was published by this installation. Remote recipients have
// no authority to enforce against.
func (m *Manager) checkLocalShareLimits(accessString string) error {
	material, err := publisher.DecodeAccessString(accessString)
	if err != nil {
		return err
	}
	share, err := m.store.GetShare(material.ShareID)
	if err != nil {
		return nil // not a local share
	}
	if !share.ExpiresAt.IsZero() && time.Now().After(share.ExpiresAt) {
		return errdefs.AccessDenied.New("share has expired")
	}
	if share.MaxDownloads > 0 && share.DownloadCount >= share.MaxDownloads {
		return errdefs.AccessDenied.New("share download limit reached")
	}
	share.DownloadCount++
	return m.store.UpdateShare(share)
}

// VerifyFolder re-hashes local files against the stored rows and
// reports paths whose content drifted since the last index.
func (m *Manager) VerifyFolder(folderID string) ([]string, error) {
	folder, err := m.store.GetFolder(folderID)
	if err != nil {
		return nil, err
	}

	var drifted []string
	err = m.store.StreamFilesByFolder(folderID, func(f *types.File) error {
		if f.State == types.FileStateDeleted {
			return nil
		}
		path := filepath.Join(folder.Path, filepath.FromSlash(f.Path))
		sum, herr := hashFile(path)
		if herr != nil || !bytesEqual(sum, f.ContentHash) {
			drifted = append(drifted, f.Path)
		}
		return nil
	})
	return drifted, err
}

// GetOperation returns an operation snapshot.
func (m *Manager) GetOperation(id string) (*types.Operation, error) {
	return m.runner.Get(id)
}

// CancelOperation requests cooperative cancellation.
func (m *Manager) CancelOperation(id string) error {
	return m.runner.Cancel(id)
}

// ListOperations returns all operations.
func (m *Manager) ListOperations() ([]*types.Operation, error) {
	return m.runner.List()
}

// ListFolders returns all managed folders.
func (m *Manager) ListFolders() ([]*types.Folder, error) {
	return m.store.ListFolders()
}

// GetFolder returns one folder.
func (m *Manager) GetFolder(id string) (*types.Folder, error) {
	return m.store.GetFolder(id)
}

// ListShares returns shares, optionally scoped to one folder.
func (m *Manager) ListShares(folderID string) ([]*types.Share, error) {
	if folderID == "" {
		return m.store.ListShares()
	}
	return m.store.ListSharesByFolder(folderID)
}

// contentKey derives the folder's working content key from the
// master secret.
func (m *Manager) contentKey(folderID string) ([]byte, error) {
	return crypto.DeriveKey(m.identity.MasterSecret(), []byte(folderID), "content key v1")
}

// setFolderState persists a state transition in one transaction.
func (m *Manager) setFolderState(folder *types.Folder, state types.FolderState) error {
	folder.State = state
	folder.UpdatedAt = time.Now().UTC()
	err := m.store.Transaction(folder.ID, func(tx storage.Tx) error {
		return tx.UpdateFolder(folder)
	})
	if err != nil {
		return err
	}
	m.broker.Publish(&events.Event{
		Type:     events.EventFolderStateChanged,
		Message:  folder.ID,
		Metadata: map[string]string{"folder_id": folder.ID, "state": string(state)},
	})
	return nil
}
