package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dropfleet/dropfleet/pkg/cache"
	"github.com/dropfleet/dropfleet/pkg/logger"
)

const probeUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// Prober issues a single reachability check through a proxy and returns
// the observed latency.
type Prober interface {
	Probe(ctx context.Context, prx Proxy, testURL string, timeout time.Duration) (time.Duration, error)
}

// HTTPProber routes an HTTP GET through the proxy and requires a 200.
type HTTPProber struct{}

func (HTTPProber) Probe(ctx context.Context, prx Proxy, testURL string, timeout time.Duration) (time.Duration, error) {
	proxyURL, err := url.Parse(prx.Address())
	if err != nil {
		return 0, fmt.Errorf("failed to parse proxy address: %w", err)
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", probeUserAgent)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, testURL)
	}

	return time.Since(start), nil
}

// SideChannel is the key/value surface used for the proxy import text
// and the health-check stats summary. Implemented by cache.RedisCache.
type SideChannel interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// CheckerConfig carries the knobs for a checker daemon.
type CheckerConfig struct {
	TestURLs      []string
	ProbeTimeout  time.Duration
	Concurrency   int
	EvictAfter    int
	CheckInterval time.Duration
	ImportKey     string
	StatsKey      string
}

// Summary is the stats side-channel payload.
type Summary struct {
	Total     int       `json:"total"`
	Working   int       `json:"working"`
	Removed   int       `json:"removed"`
	LastCheck time.Time `json:"last_check"`
}

// Checker probes every pool member against the configured test URLs on
// a bounded worker pool and evicts proxies that keep failing.
type Checker struct {
	pool   *Pool
	side   SideChannel
	prober Prober
	cfg    CheckerConfig
	log    logger.Logger
}

func NewChecker(pool *Pool, side SideChannel, prober Prober, cfg CheckerConfig, log logger.Logger) *Checker {
	if prober == nil {
		prober = HTTPProber{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = 5
	}
	return &Checker{
		pool:   pool,
		side:   side,
		prober: prober,
		cfg:    cfg,
		log:    log,
	}
}

// HealthProbe runs a single reachability check through the proxy and
// records the outcome on the pool. Failures are contained per probe.
func (c *Checker) HealthProbe(ctx context.Context, prx Proxy, testURL string) bool {
	latency, err := c.prober.Probe(ctx, prx, testURL, c.cfg.ProbeTimeout)
	if err != nil {
		recordHealthCheck("failed")
		if setErr := c.pool.SetCheckResult(prx.IP, prx.Port, false, 0); setErr != nil {
			c.log.Warn("probe result for unknown proxy",
				logger.Field{Key: "endpoint", Value: prx.Endpoint()})
		}
		return false
	}

	recordHealthCheck("success")
	if setErr := c.pool.SetCheckResult(prx.IP, prx.Port, true, latency); setErr != nil {
		c.log.Warn("probe result for unknown proxy",
			logger.Field{Key: "endpoint", Value: prx.Endpoint()})
	}
	return true
}

// checkProxy probes one proxy against the configured URL set. Working
// means success against at least one-third of the URLs (minimum one);
// evaluation short-circuits once the threshold is met.
func (c *Checker) checkProxy(ctx context.Context, prx Proxy) bool {
	threshold := len(c.cfg.TestURLs) / 3
	if threshold < 1 {
		threshold = 1
	}

	working := 0
	var lastLatency time.Duration

	for _, testURL := range c.cfg.TestURLs {
		latency, err := c.prober.Probe(ctx, prx, testURL, c.cfg.ProbeTimeout)
		if err != nil {
			continue
		}
		working++
		lastLatency = latency
		if working >= threshold {
			break
		}
	}

	ok := working >= threshold
	if ok {
		recordHealthCheck("success")
	} else {
		recordHealthCheck("failed")
	}

	if err := c.pool.SetCheckResult(prx.IP, prx.Port, ok, lastLatency); err != nil {
		// Evicted or removed concurrently; nothing to record.
		c.log.Debug("check result for unknown proxy",
			logger.Field{Key: "endpoint", Value: prx.Endpoint()})
	}

	return ok
}

// CheckAll probes every pool member in parallel across a bounded worker
// pool, evicts proxies over the failure threshold and publishes the
// summary to the stats side channel.
func (c *Checker) CheckAll(ctx context.Context) Summary {
	proxies := c.pool.Snapshot()
	summary := Summary{Total: len(proxies), LastCheck: time.Now()}

	if len(proxies) == 0 {
		c.log.Warn("no proxies found to check")
		return summary
	}

	c.log.Info("checking proxies", logger.Field{Key: "count", Value: len(proxies)})
	start := time.Now()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		semaphore = make(chan struct{}, c.cfg.Concurrency)
	)

	for _, prx := range proxies {
		wg.Add(1)
		go func(prx Proxy) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if c.checkProxy(ctx, prx) {
				mu.Lock()
				summary.Working++
				mu.Unlock()
			} else {
				c.log.Warn("proxy failed health check",
					logger.Field{Key: "endpoint", Value: prx.Endpoint()})
			}
		}(prx)
	}

	wg.Wait()

	summary.Removed = c.pool.EvictFailed(c.cfg.EvictAfter)
	summary.LastCheck = time.Now()

	duration := time.Since(start)
	recordCheckDuration(duration.Seconds())

	c.log.Info("proxy check completed",
		logger.Field{Key: "duration", Value: duration.Seconds()},
		logger.Field{Key: "working", Value: summary.Working},
		logger.Field{Key: "total", Value: summary.Total},
		logger.Field{Key: "removed", Value: summary.Removed})

	if c.side != nil {
		if err := c.side.Set(ctx, c.cfg.StatsKey, summary, 0); err != nil {
			c.log.Error("failed to publish proxy stats",
				logger.Field{Key: "error", Value: err.Error()})
		}
	}

	return summary
}

// ImportFromChannel consumes the newline-delimited proxy spec text held
// under the import key, if any, and clears the key after a successful
// import.
func (c *Checker) ImportFromChannel(ctx context.Context) (int, error) {
	if c.side == nil {
		return 0, nil
	}

	text, err := c.side.Get(ctx, c.cfg.ImportKey)
	if errors.Is(err, cache.ErrCacheMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read import channel: %w", err)
	}

	added := c.pool.BulkImport(text, ProtocolHTTP)
	if added > 0 {
		c.log.Info("imported proxies from channel", logger.Field{Key: "added", Value: added})
	}

	if err := c.side.Delete(ctx, c.cfg.ImportKey); err != nil {
		return added, fmt.Errorf("failed to clear import channel: %w", err)
	}

	return added, nil
}

// Run is the checker daemon loop: import, check all, sleep. A loop-level
// failure pauses for five minutes and retries; the loop only exits with
// the context.
func (c *Checker) Run(ctx context.Context) {
	c.log.Info("proxy checker starting up")

	for {
		if _, err := c.ImportFromChannel(ctx); err != nil {
			c.log.Error("proxy import failed", logger.Field{Key: "error", Value: err.Error()})
			if !sleepCtx(ctx, 5*time.Minute) {
				return
			}
			continue
		}

		c.CheckAll(ctx)

		c.log.Info("next proxy check scheduled",
			logger.Field{Key: "interval", Value: c.cfg.CheckInterval.String()})
		if !sleepCtx(ctx, c.cfg.CheckInterval) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
