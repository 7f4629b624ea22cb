package purgectl

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Client purges targets on the configured proxy. Concurrent purges of the
// same target share one network request.
type Client struct {
	cfg Config

	transport Transport
	log       *zap.Logger
	netLog    *rateLimitedLogger
	journal   *Journal
	stats     *statsCollector
	limiter   *rate.Limiter

	// in-flight registry, keyed by Target.Key
	flight singleflight.Group

	closeMu sync.RWMutex
	closed  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
	bgWG   sync.WaitGroup
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithJournal makes the client record completed purges to j. The client
// closes j on Close.
func WithJournal(j *Journal) Option {
	return func(c *Client) { c.journal = j }
}

// NewClient normalizes its copy of cfg and builds a client from it. Without
// WithTransport the transport is chosen by cfg.Proxy.Mode; without
// WithJournal a journal is opened when cfg.Journal.Path is set.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, errors.Wrap(err, "config")
	}
	c := &Client{
		cfg:    cfg,
		log:    zap.NewNop(),
		stats:  newStatsCollector(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.netLog = newRateLimitedLogger(c.log, time.Minute)

	if c.transport == nil {
		t, err := NewTransport(cfg)
		if err != nil {
			return nil, err
		}
		c.transport = t
	}
	if c.journal == nil && cfg.Journal.Path != "" {
		j, err := OpenJournal(cfg.Journal.Path, cfg.Journal.maxBytes, c.log)
		if err != nil {
			return nil, err
		}
		c.journal = j
	}
	if cfg.Bulk.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.Bulk.RatePerSecond), 1)
	}

	if every := cfg.Logging.statsEveryDur; every > 0 {
		c.bgWG.Add(1)
		go func() {
			defer c.bgWG.Done()
			c.statsLoop(every)
		}()
	}
	return c, nil
}

// Close stops accepting purges and waits for in-flight ones to finish.
// Results of purges whose callers already gave up are discarded.
func (c *Client) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	c.wg.Wait()
	close(c.stopCh)
	c.bgWG.Wait()
	if c.journal != nil {
		return c.journal.Close()
	}
	return nil
}

func (c *Client) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

// Purge invalidates target and waits for the outcome. If ctx ends first the
// caller gets a failure carrying ctx.Err() while the request itself runs to
// completion in the background.
func (c *Client) Purge(ctx context.Context, target string) Result {
	ch := c.PurgeAsync(target)
	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		return failure(target, ctx.Err())
	}
}

// PurgeAsync starts a purge and returns a channel that receives exactly one
// Result. The caller is attached to the in-flight request for the target by
// the time PurgeAsync returns.
func (c *Client) PurgeAsync(target string) <-chan Result {
	out := make(chan Result, 1)

	t, err := ParseTarget(target)
	if err != nil {
		out <- failure(target, err)
		return out
	}

	c.closeMu.RLock()
	if c.closed {
		c.closeMu.RUnlock()
		out <- failure(target, ErrClosed)
		return out
	}
	c.wg.Add(1)
	c.closeMu.RUnlock()

	var led atomic.Bool
	ch := c.flight.DoChan(t.Key(), func() (any, error) {
		led.Store(true)
		return c.do(t), nil
	})

	go func() {
		defer c.wg.Done()
		r := <-ch
		res := r.Val.(Result)
		res.Target = target
		if !led.Load() {
			res.Shared = true
			c.stats.observeCoalesced()
		}
		out <- res
	}()
	return out
}

// PurgeAll purges targets concurrently, bounded by bulk.concurrency and
// paced by bulk.ratePerSecond. Results are in input order.
func (c *Client) PurgeAll(ctx context.Context, targets []string) []Result {
	results := make([]Result, len(targets))

	var g errgroup.Group
	g.SetLimit(c.cfg.Bulk.Concurrency)
	for i, target := range targets {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				for k := i; k < len(targets); k++ {
					results[k] = failure(targets[k], err)
				}
				break
			}
		}
		i, target := i, target
		g.Go(func() error {
			results[i] = c.Purge(ctx, target)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// do runs one network purge with retries. It runs detached from any caller
// context; each attempt is bounded by proxy.timeout.
func (c *Client) do(t Target) Result {
	req := newRequest(t)
	log := c.log.With(
		zap.String("target", t.Key()),
		zap.Stringer("request_id", req.ID),
	)

	var (
		status   int
		err      error
		attempts int
		backoff  = c.cfg.Proxy.backoffDur
		limit    = c.cfg.Proxy.MaxAttempts
	)
	for attempts < limit {
		attempts++
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Proxy.timeoutDur)
		status, err = c.transport.Invalidate(ctx, req)
		cancel()
		if err == nil || !isTransient(err) {
			break
		}
		c.netLog.Warn("purge attempt failed",
			zap.String("target", t.Key()),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		if attempts < limit {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > c.cfg.Proxy.maxBackoffDur {
				backoff = c.cfg.Proxy.maxBackoffDur
			}
		}
	}

	res := Result{
		Target:    t.Raw(),
		RequestID: req.ID,
		Status:    status,
		Attempts:  attempts,
		IssuedAt:  req.IssuedAt,
		Duration:  time.Since(req.IssuedAt),
	}
	if err != nil {
		res.Err = err
		res.Reason = reasonFor(err)
		log.Warn("purge failed",
			zap.String("reason", res.Reason),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	} else {
		log.Info("purged",
			zap.Int("status", status),
			zap.Int("attempts", attempts),
			zap.Duration("took", res.Duration),
		)
	}

	c.stats.observe(res)
	if c.journal != nil {
		c.journal.Record(JournalEntry{
			RequestID:   req.ID.String(),
			Target:      t.Key(),
			OK:          res.OK(),
			Reason:      res.Reason,
			Status:      status,
			Attempts:    attempts,
			IssuedAt:    req.IssuedAt,
			CompletedAt: req.IssuedAt.Add(res.Duration),
		})
	}
	return res
}

func (c *Client) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			ss := c.stats.Snapshot()
			fields := []zap.Field{
				zap.Uint64("purges", ss.Purges),
				zap.Uint64("ok", ss.Successes),
				zap.Uint64("failed", ss.Failures),
				zap.Uint64("coalesced", ss.Coalesced),
				zap.Uint64("attempts", ss.Attempts),
				zap.Duration("latency_min", ss.MinLatency),
				zap.Duration("latency_avg", ss.AvgLatency),
				zap.Duration("latency_max", ss.MaxLatency),
			}
			if c.journal != nil {
				fields = append(fields,
					zap.Int("journal_entries", c.journal.Len()),
					zap.String("journal_size", formatBytes(uint64(c.journal.TotalSize()))),
				)
			}
			c.log.Info("stats", fields...)
		}
	}
}
