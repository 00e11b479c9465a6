package manager

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nntpvault/nntpvault/pkg/config"
	"github.com/nntpvault/nntpvault/pkg/log"
	"github.com/nntpvault/nntpvault/pkg/nntp/nntptest"
	"github.com/nntpvault/nntpvault/pkg/publisher"
	"github.com/nntpvault/nntpvault/pkg/retriever"
	"github.com/nntpvault/nntpvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

type env struct {
	m      *Manager
	server *nntptest.Server
	src    string
}

// newEnv builds a runtime against an in-process news server, with a
// source tree containing a small text file and a 200 KB binary. The
// pack threshold is raised so both fall into one packed segment.
func newEnv(t *testing.T) *env {
	t.Helper()

	server, err := nntptest.Start()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	host, port := server.Addr()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Servers = []config.NNTPServer{{
		Hostname: host, Port: port,
		Username: "user", Password: "pass",
		MaxConnections: 4,
	}}
	cfg.SegmentSize = 768000
	cfg.PackThreshold = 250000
	cfg.RedundancyFactor = 2
	cfg.PostsPerSecond = 0 // unthrottled for tests
	cfg.UploadWorkers = 2
	cfg.DownloadWorkers = 2

	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "b"), 0755))
	bin := make([]byte, 200000)
	_, err = rand.Read(bin)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(src, "b", "bin.dat"), bin, 0644))

	return &env{m: m, server: server, src: src}
}

func (e *env) waitOp(t *testing.T, opID string) *types.Operation {
	t.Helper()
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		op, err := e.m.GetOperation(opID)
		require.NoError(t, err)
		if op.State.Terminal() {
			return op
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("operation did not finish")
	return nil
}

// prepare runs add -> index -> segment -> upload and returns the
// folder.
func (e *env) prepare(t *testing.T) *types.Folder {
	t.Helper()
	_, err := e.m.InitializeUser("owner")
	require.NoError(t, err)

	folder, err := e.m.AddFolder(e.src, "test")
	require.NoError(t, err)

	for _, start := range []func() (string, error){
		func() (string, error) { return e.m.IndexFolder(folder.ID, false) },
		func() (string, error) { return e.m.SegmentFolder(folder.ID) },
		func() (string, error) { return e.m.UploadFolder(folder.ID) },
	} {
		opID, err := start()
		require.NoError(t, err)
		op := e.waitOp(t, opID)
		require.Equal(t, types.OperationStateCompleted, op.State, "op %s: %s", op.Type, op.Error)
	}

	folder, err = e.m.GetFolder(folder.ID)
	require.NoError(t, err)
	require.Equal(t, types.FolderStateUploaded, folder.State)
	return folder
}

func (e *env) download(t *testing.T, token string, creds retriever.Credentials) (*types.Operation, string) {
	t.Helper()
	dest := t.TempDir()
	opID, err := e.m.Download(token, creds, dest, retriever.DefaultDownloadOptions())
	require.NoError(t, err)
	return e.waitOp(t, opID), dest
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestPublicRoundTrip(t *testing.T) {
	e := newEnv(t)
	folder := e.prepare(t)

	// Both files share one packed segment; redundancy 2 means two
	// content articles before the index is posted.
	assert.Len(t, e.server.MessageIDs(), 2)

	share, token, err := e.m.PublishFolder(context.Background(), folder.ID, types.AccessPublic, publisher.Request{})
	require.NoError(t, err)
	assert.NotEmpty(t, share.IndexMessageIDs)
	assert.False(t, strings.ContainsAny(token, "+/="))

	op, dest := e.download(t, token, retriever.Credentials{})
	require.Equal(t, types.OperationStateCompleted, op.State, op.Error)

	assert.Equal(t, []byte("hello\n"), readFile(t, filepath.Join(dest, "a.txt")))
	assert.Equal(t,
		readFile(t, filepath.Join(e.src, "b", "bin.dat")),
		readFile(t, filepath.Join(dest, "b", "bin.dat")))
}

func TestProtectedWrongPassword(t *testing.T) {
	e := newEnv(t)
	folder := e.prepare(t)

	_, token, err := e.m.PublishFolder(context.Background(), folder.ID, types.AccessProtected,
		publisher.Request{Password: "P@ss!"})
	require.NoError(t, err)

	op, dest := e.download(t, token, retriever.Credentials{Password: "P@ss?"})
	assert.Equal(t, types.OperationStateFailed, op.State)
	assert.Contains(t, op.Error, "access denied")

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Empty(t, entries, "no files may be written on AccessDenied")

	// The right password succeeds.
	op, dest = e.download(t, token, retriever.Credentials{Password: "P@ss!"})
	require.Equal(t, types.OperationStateCompleted, op.State, op.Error)
	assert.Equal(t, []byte("hello\n"), readFile(t, filepath.Join(dest, "a.txt")))
}

func TestPrivateAuthorizationUpdate(t *testing.T) {
	e := newEnv(t)
	folder := e.prepare(t)

	const (
		alice = "1111111111111111111111111111111111111111111111111111111111111111"
		bob   = "2222222222222222222222222222222222222222222222222222222222222222"
		carol = "3333333333333333333333333333333333333333333333333333333333333333"
	)

	share, token1, err := e.m.PublishFolder(context.Background(), folder.ID, types.AccessPrivate,
		publisher.Request{Users: []string{alice, bob}})
	require.NoError(t, err)

	contentBefore := e.contentMessageIDs(t, folder.ID)
	indexBefore := share.IndexMessageIDs

	// Bob can download with the original token.
	op, _ := e.download(t, token1, retriever.Credentials{UserID: bob})
	require.Equal(t, types.OperationStateCompleted, op.State, op.Error)

	token2, err := e.m.UpdateShareAuthorization(context.Background(), share.ID, []string{carol}, []string{bob})
	require.NoError(t, err)

	// Content segments are untouched; only the index moved.
	assert.Equal(t, contentBefore, e.contentMessageIDs(t, folder.ID))
	updated, err := e.m.ListShares(folder.ID)
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.NotEqual(t, indexBefore, updated[0].IndexMessageIDs)

	// Carol gained access, Bob lost it, Alice keeps it.
	op, dest := e.download(t, token2, retriever.Credentials{UserID: carol})
	require.Equal(t, types.OperationStateCompleted, op.State, op.Error)
	assert.Equal(t, []byte("hello\n"), readFile(t, filepath.Join(dest, "a.txt")))

	op, _ = e.download(t, token2, retriever.Credentials{UserID: alice})
	require.Equal(t, types.OperationStateCompleted, op.State, op.Error)

	op, _ = e.download(t, token2, retriever.Credentials{UserID: bob})
	assert.Equal(t, types.OperationStateFailed, op.State)
	assert.Contains(t, op.Error, "access denied")

	// A brand-new identity is not authorized either.
	op, _ = e.download(t, token2, retriever.Credentials{UserID: strings.Repeat("9", 64)})
	assert.Equal(t, types.OperationStateFailed, op.State)
}

func TestRedundancyFallback(t *testing.T) {
	e := newEnv(t)
	folder := e.prepare(t)

	_, token, err := e.m.PublishFolder(context.Background(), folder.ID, types.AccessPublic, publisher.Request{})
	require.NoError(t, err)

	// Simulate article loss for the first replica of every content
	// segment. Retrieval must fall through to redundancy_index 1.
	var rejected int
	require.NoError(t, e.m.store.StreamSegmentsByFolder(folder.ID, func(seg *types.Segment) error {
		if seg.RedundancyIndex == 0 {
			e.server.Reject(seg.MessageID)
			rejected++
		}
		return nil
	}))
	require.NotZero(t, rejected)

	op, dest := e.download(t, token, retriever.Credentials{})
	require.Equal(t, types.OperationStateCompleted, op.State, op.Error)
	assert.Equal(t, []byte("hello\n"), readFile(t, filepath.Join(dest, "a.txt")))
	assert.Equal(t,
		readFile(t, filepath.Join(e.src, "b", "bin.dat")),
		readFile(t, filepath.Join(dest, "b", "bin.dat")))
}

func TestUploadResumeSkipsUploadedSegments(t *testing.T) {
	e := newEnv(t)
	folder := e.prepare(t)

	posted := len(e.server.MessageIDs())

	// A second upload finds nothing pending and posts nothing new.
	opID, err := e.m.UploadFolder(folder.ID)
	require.NoError(t, err)
	op := e.waitOp(t, opID)
	require.Equal(t, types.OperationStateCompleted, op.State, op.Error)
	assert.Len(t, e.server.MessageIDs(), posted)
}

func TestExpiredShareIsDenied(t *testing.T) {
	e := newEnv(t)
	folder := e.prepare(t)

	_, token, err := e.m.PublishFolder(context.Background(), folder.ID, types.AccessPublic,
		publisher.Request{ExpiresAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)

	_, err = e.m.Download(token, retriever.Credentials{}, t.TempDir(), retriever.DefaultDownloadOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestLargeFileSpansSegments(t *testing.T) {
	e := newEnv(t)

	// 1.5 MB at 768 KB per segment: two segments, four articles at
	// redundancy 2, plus the packed segment's two.
	big := make([]byte, 1500000)
	_, err := rand.Read(big)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(e.src, "big.iso"), big, 0644))

	folder := e.prepare(t)
	assert.Len(t, e.server.MessageIDs(), 6)

	_, token, err := e.m.PublishFolder(context.Background(), folder.ID, types.AccessPublic, publisher.Request{})
	require.NoError(t, err)

	op, dest := e.download(t, token, retriever.Credentials{})
	require.Equal(t, types.OperationStateCompleted, op.State, op.Error)
	assert.Equal(t, big, readFile(t, filepath.Join(dest, "big.iso")))
	assert.Equal(t, []byte("hello\n"), readFile(t, filepath.Join(dest, "a.txt")))
}

func TestSelectiveDownload(t *testing.T) {
	e := newEnv(t)
	folder := e.prepare(t)

	_, token, err := e.m.PublishFolder(context.Background(), folder.ID, types.AccessPublic, publisher.Request{})
	require.NoError(t, err)

	dest := t.TempDir()
	opts := retriever.DefaultDownloadOptions()
	opts.Selection = []string{"a.txt"}
	opID, err := e.m.Download(token, retriever.Credentials{}, dest, opts)
	require.NoError(t, err)
	op := e.waitOp(t, opID)
	require.Equal(t, types.OperationStateCompleted, op.State, op.Error)

	assert.Equal(t, []byte("hello\n"), readFile(t, filepath.Join(dest, "a.txt")))
	_, err = os.Stat(filepath.Join(dest, "b", "bin.dat"))
	assert.True(t, os.IsNotExist(err))
}

func (e *env) contentMessageIDs(t *testing.T, folderID string) map[string]bool {
	t.Helper()
	ids := map[string]bool{}
	require.NoError(t, e.m.store.StreamSegmentsByFolder(folderID, func(seg *types.Segment) error {
		if seg.MessageID != "" {
			ids[seg.MessageID] = true
		}
		return nil
	}))
	return ids
}
