package nntp

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nntpvault/nntpvault/pkg/config"
	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/log"
	"github.com/nntpvault/nntpvault/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const healthProbeInterval = 30 * time.Second

// Options tunes pool lifecycle and throughput.
type Options struct {
	MaxConnections     int
	IdleTimeout        time.Duration
	MaxLifetime        time.Duration
	PostsPerSecond     float64
	BytesPerSecondConn int64
}

// Pool is an authenticated NNTP connection pool. It starts with a
// single connection and grows on demand up to MaxConnections. All
// sessions bind the same local address so the upstream server sees
// one identity. Idle and aged sessions are reaped by a background
// probe; transport faults discard the session instead of returning it.
type Pool struct {
	servers []config.NNTPServer
	opts    Options
	logger  zerolog.Logger

	mu        sync.Mutex
	free      []*Conn
	total     int
	localAddr *net.TCPAddr

	sem         chan struct{}
	postLimiter *rate.Limiter

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPool builds a pool over the configured servers, preferring lower
// Priority values at dial time.
func NewPool(servers []config.NNTPServer, opts Options) *Pool {
	sorted := make([]config.NNTPServer, len(servers))
	copy(sorted, servers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 1
	}
	postLimit := rate.Inf
	if opts.PostsPerSecond > 0 {
		postLimit = rate.Limit(opts.PostsPerSecond)
	}

	p := &Pool{
		servers:     sorted,
		opts:        opts,
		logger:      log.WithComponent("nntp-pool"),
		sem:         make(chan struct{}, opts.MaxConnections),
		postLimiter: rate.NewLimiter(postLimit, 1),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	go p.probeLoop()
	return p
}

// Acquire checks out a session, dialing a new one when none is free
// and the pool is below its maximum.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, errdefs.Cancelled.Wrap(ctx.Err())
	case <-p.stopCh:
		return nil, errdefs.Fatal.New("pool is closed")
	}

	p.mu.Lock()
	if n := len(p.free); n > 0 {
		c := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	localAddr := p.localAddr
	p.mu.Unlock()

	c, err := p.dial(ctx, localAddr)
	if err != nil {
		<-p.sem
		return nil, err
	}
	if p.opts.BytesPerSecondConn > 0 {
		// Burst covers a full article so WaitN never exceeds it.
		burst := int(max(p.opts.BytesPerSecondConn, 2<<20))
		c.limiter = rate.NewLimiter(rate.Limit(p.opts.BytesPerSecondConn), burst)
	}

	p.mu.Lock()
	p.total++
	if p.localAddr == nil {
		// Pin the local identity to the first session's source IP so
		// every later dial originates from the same address.
		if addr := c.LocalAddr(); addr != nil {
			p.localAddr = &net.TCPAddr{IP: addr.IP}
		}
	}
	metrics.PoolConnections.Set(float64(p.total))
	p.mu.Unlock()
	return c, nil
}

// dial walks the server list in priority order.
func (p *Pool) dial(ctx context.Context, localAddr *net.TCPAddr) (*Conn, error) {
	var lastErr error
	for _, server := range p.servers {
		c, err := Dial(ctx, server, localAddr)
		if err == nil {
			return c, nil
		}
		lastErr = err
		p.logger.Warn().Err(err).Str("server", server.Address()).Msg("Failed to connect")
		if ctx.Err() != nil {
			return nil, errdefs.Cancelled.Wrap(ctx.Err())
		}
	}
	if lastErr == nil {
		lastErr = errdefs.InvalidInput.New("no servers configured")
	}
	return nil, lastErr
}

// Release returns a session to the pool. Broken sessions are closed
// and the slot freed for a future dial.
func (p *Pool) Release(c *Conn) {
	p.mu.Lock()
	if c.Broken() || c.Age() > p.opts.MaxLifetime {
		p.total--
		metrics.PoolConnections.Set(float64(p.total))
		p.mu.Unlock()
		c.Close()
	} else {
		p.free = append(p.free, c)
		p.mu.Unlock()
	}
	<-p.sem
}

// probeLoop reaps idle and aged sessions and health-checks the rest.
func (p *Pool) probeLoop() {
	defer close(p.doneCh)
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probe()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) probe() {
	p.mu.Lock()
	idle := p.free
	p.free = nil
	p.mu.Unlock()

	var kept []*Conn
	var dropped int
	for _, c := range idle {
		if c.Idle() > p.opts.IdleTimeout || c.Age() > p.opts.MaxLifetime {
			c.Close()
			dropped++
			continue
		}
		if err := c.Ping(); err != nil {
			p.logger.Debug().Err(err).Msg("Health probe failed, closing connection")
			c.Close()
			dropped++
			continue
		}
		kept = append(kept, c)
	}

	p.mu.Lock()
	p.free = append(p.free, kept...)
	p.total -= dropped
	metrics.PoolConnections.Set(float64(p.total))
	p.mu.Unlock()
}

// Close drains the pool. In-flight sessions are closed when released.
func (p *Pool) Close() {
	close(p.stopCh)
	<-p.doneCh

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.free {
		c.Close()
	}
	p.free = nil
	p.total = 0
}

// retryPolicy is the named per-code retry site. All post/fetch retry
// decisions live here.
type retryPolicy struct {
	base       time.Duration
	maxRetries int
}

func policyFor(code int) retryPolicy {
	switch code {
	case 502: // max simultaneous connections / IPs
		return retryPolicy{base: 30 * time.Second, maxRetries: 10}
	case 441: // posting refused
		return retryPolicy{base: 5 * time.Second, maxRetries: 3}
	case 500: // server error
		return retryPolicy{base: 10 * time.Second, maxRetries: 5}
	default: // transport-level fault
		return retryPolicy{base: time.Second, maxRetries: 5}
	}
}

// Post publishes the article, retrying transient failures with
// exponential backoff and jitter. Exhausted retries surface as
// PermanentPostFailure.
func (p *Pool) Post(ctx context.Context, article *Article) error {
	if err := p.postLimiter.Wait(ctx); err != nil {
		return errdefs.Cancelled.Wrap(ctx.Err())
	}

	var bo *backoff.ExponentialBackOff
	attempts := 0
	for {
		err := p.postOnce(ctx, article)
		if err == nil {
			metrics.SegmentsPosted.Inc()
			return nil
		}
		if errdefs.Cancelled.Has(err) {
			return err
		}

		var nerr *Error
		if !errors.As(err, &nerr) || !nerr.Transient {
			return errdefs.PermanentPostFailure.Wrap(err)
		}

		policy := policyFor(nerr.Code)
		attempts++
		metrics.PostRetries.Inc()
		if attempts > policy.maxRetries {
			return errdefs.PermanentPostFailure.New("retries exhausted after %d attempts: %v", attempts, err)
		}
		if bo == nil {
			bo = backoff.NewExponentialBackOff()
			bo.InitialInterval = policy.base
			bo.MaxInterval = 10 * policy.base
			bo.MaxElapsedTime = 0
		}
		if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
			return err
		}
	}
}

func (p *Pool) postOnce(ctx context.Context, article *Article) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(c)
	if c.limiter != nil {
		if err := c.limiter.WaitN(ctx, len(article.Body)); err != nil {
			return errdefs.Cancelled.Wrap(ctx.Err())
		}
	}
	return c.Post(article)
}

// Fetch retrieves an article body by message id. A 430 response is a
// permanent miss for this id (the caller falls back to another
// replica); transient failures retry like Post.
func (p *Pool) Fetch(ctx context.Context, messageID string) ([]byte, error) {
	var bo *backoff.ExponentialBackOff
	attempts := 0
	for {
		body, err := p.fetchOnce(ctx, messageID)
		if err == nil {
			metrics.SegmentsFetched.Inc()
			return body, nil
		}
		if errdefs.Cancelled.Has(err) {
			return nil, err
		}

		var nerr *Error
		if !errors.As(err, &nerr) || !nerr.Transient {
			return nil, errdefs.PermanentFetchFailure.Wrap(err)
		}

		policy := policyFor(nerr.Code)
		attempts++
		if attempts > policy.maxRetries {
			return nil, errdefs.PermanentFetchFailure.New("retries exhausted after %d attempts: %v", attempts, err)
		}
		if bo == nil {
			bo = backoff.NewExponentialBackOff()
			bo.InitialInterval = policy.base
			bo.MaxInterval = 10 * policy.base
			bo.MaxElapsedTime = 0
		}
		if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
			return nil, err
		}
	}
}

func (p *Pool) fetchOnce(ctx context.Context, messageID string) ([]byte, error) {
	c, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(c)
	return c.Fetch(messageID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errdefs.Cancelled.Wrap(ctx.Err())
	}
}
