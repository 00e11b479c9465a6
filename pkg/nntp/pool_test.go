package nntp

import (
	"context"
	"testing"
	"time"

	"github.com/nntpvault/nntpvault/pkg/config"
	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/log"
	"github.com/nntpvault/nntpvault/pkg/nntp/nntptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func testPool(t *testing.T) (*Pool, *nntptest.Server) {
	t.Helper()
	server, err := nntptest.Start()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	host, port := server.Addr()
	pool := NewPool([]config.NNTPServer{{
		Hostname:       host,
		Port:           port,
		Username:       "user",
		Password:       "pass",
		MaxConnections: 4,
	}}, Options{
		MaxConnections: 4,
		IdleTimeout:    time.Minute,
		MaxLifetime:    time.Hour,
	})
	t.Cleanup(pool.Close)
	return pool, server
}

func TestPostAndFetchRoundTrip(t *testing.T) {
	pool, server := testPool(t)
	ctx := context.Background()

	article := &Article{
		MessageID: "<abcdefgh01234567@test>",
		Subject:   "aaaaaaaaaaaaaaaaaaaa",
		From:      "poster <poster@nowhere.invalid>",
		Newsgroup: "alt.test",
		Body:      []byte("=ybegin line=128 size=4 name=x\r\nrstu\r\n=yend size=4\r\n"),
	}
	require.NoError(t, pool.Post(ctx, article))

	stored, ok := server.Article("<abcdefgh01234567@test>")
	require.True(t, ok)
	assert.NotEmpty(t, stored)

	body, err := pool.Fetch(ctx, "<abcdefgh01234567@test>")
	require.NoError(t, err)
	assert.Contains(t, string(body), "=ybegin")
}

func TestFetchMissingArticleIsPermanent(t *testing.T) {
	pool, _ := testPool(t)

	_, err := pool.Fetch(context.Background(), "<doesnotexist@test>")
	assert.True(t, errdefs.PermanentFetchFailure.Has(err))
}

func TestPostRetriesTransientRefusal(t *testing.T) {
	pool, server := testPool(t)
	server.FailNextPost(441) // posting refused: 5s base, but the retry succeeds

	article := &Article{
		MessageID: "<retryretryretry01@test>",
		Subject:   "bbbbbbbbbbbbbbbbbbbb",
		From:      "poster <poster@nowhere.invalid>",
		Newsgroup: "alt.test",
		Body:      []byte("body\r\n"),
	}

	done := make(chan error, 1)
	go func() { done <- pool.Post(context.Background(), article) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("post did not complete")
	}
	_, ok := server.Article("<retryretryretry01@test>")
	assert.True(t, ok)
}

func TestAcquireRespectsCancellation(t *testing.T) {
	pool, _ := testPool(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pool.Acquire(ctx)
	assert.True(t, errdefs.Cancelled.Has(err))
}

func TestPoolReusesConnections(t *testing.T) {
	pool, _ := testPool(t)
	ctx := context.Background()

	c1, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(c1)

	c2, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer pool.Release(c2)
	assert.Same(t, c1, c2)
}

func TestRetryPolicyMapping(t *testing.T) {
	tests := []struct {
		code       int
		base       time.Duration
		maxRetries int
	}{
		{502, 30 * time.Second, 10},
		{441, 5 * time.Second, 3},
		{500, 10 * time.Second, 5},
		{0, time.Second, 5},
	}
	for _, tt := range tests {
		policy := policyFor(tt.code)
		assert.Equal(t, tt.base, policy.base, "code %d", tt.code)
		assert.Equal(t, tt.maxRetries, policy.maxRetries, "code %d", tt.code)
	}
}

func TestTransientCodes(t *testing.T) {
	assert.True(t, transientCode(441))
	assert.True(t, transientCode(502))
	assert.True(t, transientCode(500))
	assert.False(t, transientCode(430))
	assert.False(t, transientCode(281))
}
