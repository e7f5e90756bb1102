package proxy

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/dropfleet/dropfleet/internal/store"
	"github.com/dropfleet/dropfleet/pkg/cache"
	"github.com/dropfleet/dropfleet/pkg/logger"
)

// fakeProber succeeds for the endpoints listed in passing, with a
// per-endpoint cap on how many probes may succeed.
type fakeProber struct {
	mu      sync.Mutex
	passing map[string]int
	probes  int
}

func (f *fakeProber) Probe(_ context.Context, prx Proxy, _ string, _ time.Duration) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.probes++
	if left, ok := f.passing[prx.Endpoint()]; ok && left > 0 {
		f.passing[prx.Endpoint()] = left - 1
		return 25 * time.Millisecond, nil
	}
	return 0, errors.New("connection refused")
}

type fakeSide struct {
	mu     sync.Mutex
	values map[string]string
	sets   map[string]interface{}
}

func newFakeSide() *fakeSide {
	return &fakeSide{values: map[string]string{}, sets: map[string]interface{}{}}
}

func (f *fakeSide) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	val, ok := f.values[key]
	if !ok {
		return "", cache.ErrCacheMiss
	}
	return val, nil
}

func (f *fakeSide) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets[key] = value
	return nil
}

func (f *fakeSide) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.values, key)
	}
	return nil
}

type CheckerTestSuite struct {
	suite.Suite
	pool *Pool
	side *fakeSide
}

func (s *CheckerTestSuite) SetupTest() {
	path := filepath.Join(s.T().TempDir(), "proxies.json")
	pool, err := NewPool(store.New[Proxy](path, logger.Nop()), time.Second, logger.Nop())
	s.Require().NoError(err)
	s.pool = pool
	s.side = newFakeSide()
}

func TestCheckerTestSuite(t *testing.T) {
	suite.Run(t, new(CheckerTestSuite))
}

func (s *CheckerTestSuite) newChecker(prober Prober, urls []string) *Checker {
	return NewChecker(s.pool, s.side, prober, CheckerConfig{
		TestURLs:     urls,
		ProbeTimeout: time.Second,
		Concurrency:  4,
		EvictAfter:   5,
		ImportKey:    "import_proxies",
		StatsKey:     "proxy_stats",
	}, logger.Nop())
}

func sixURLs() []string {
	return []string{"u1", "u2", "u3", "u4", "u5", "u6"}
}

func (s *CheckerTestSuite) TestCheckProxyMeetsThreshold() {
	s.pool.Add("1.1.1.1", 80, "", "", ProtocolHTTP, "")
	prober := &fakeProber{passing: map[string]int{"1.1.1.1:80": 6}}

	// Six URLs make the threshold two passing probes.
	checker := s.newChecker(prober, sixURLs())
	s.True(checker.checkProxy(context.Background(), s.pool.Snapshot()[0]))

	// Short-circuits once the threshold is met.
	s.Equal(2, prober.probes)

	prx := s.pool.Snapshot()[0]
	s.True(prx.IsWorking)
	s.Equal(0, prx.FailCount)
}

func (s *CheckerTestSuite) TestCheckProxyBelowThreshold() {
	s.pool.Add("1.1.1.1", 80, "", "", ProtocolHTTP, "")
	prober := &fakeProber{passing: map[string]int{"1.1.1.1:80": 1}}

	checker := s.newChecker(prober, sixURLs())
	s.False(checker.checkProxy(context.Background(), s.pool.Snapshot()[0]))

	prx := s.pool.Snapshot()[0]
	s.False(prx.IsWorking)
	s.Equal(1, prx.FailCount)
	s.Nil(prx.ResponseTime)
}

func (s *CheckerTestSuite) TestCheckProxySingleURLThreshold() {
	s.pool.Add("1.1.1.1", 80, "", "", ProtocolHTTP, "")
	prober := &fakeProber{passing: map[string]int{"1.1.1.1:80": 1}}

	// Fewer than three URLs still require one passing probe.
	checker := s.newChecker(prober, []string{"u1", "u2"})
	s.True(checker.checkProxy(context.Background(), s.pool.Snapshot()[0]))
}

func (s *CheckerTestSuite) TestCheckAllPublishesSummary() {
	s.pool.Add("1.1.1.1", 80, "", "", ProtocolHTTP, "")
	s.pool.Add("2.2.2.2", 80, "", "", ProtocolHTTP, "")
	prober := &fakeProber{passing: map[string]int{"1.1.1.1:80": 6}}

	checker := s.newChecker(prober, sixURLs())
	summary := checker.CheckAll(context.Background())

	s.Equal(2, summary.Total)
	s.Equal(1, summary.Working)
	s.Equal(0, summary.Removed)

	published, ok := s.side.sets["proxy_stats"].(Summary)
	s.Require().True(ok)
	s.Equal(summary.Working, published.Working)
}

func (s *CheckerTestSuite) TestCheckAllEvictsPersistentFailures() {
	s.pool.Add("1.1.1.1", 80, "", "", ProtocolHTTP, "")
	prober := &fakeProber{}
	checker := s.newChecker(prober, sixURLs())

	for i := 0; i < 4; i++ {
		summary := checker.CheckAll(context.Background())
		s.Equal(0, summary.Removed)
	}

	// Fifth consecutive failure crosses the eviction threshold.
	summary := checker.CheckAll(context.Background())
	s.Equal(1, summary.Removed)
	s.Empty(s.pool.Snapshot())
}

func (s *CheckerTestSuite) TestImportFromChannel() {
	checker := s.newChecker(&fakeProber{}, sixURLs())

	// Nothing staged.
	added, err := checker.ImportFromChannel(context.Background())
	s.NoError(err)
	s.Equal(0, added)

	s.side.values["import_proxies"] = "1.1.1.1:8080\nbad line\n2.2.2.2:3128"

	added, err = checker.ImportFromChannel(context.Background())
	s.NoError(err)
	s.Equal(2, added)
	s.Len(s.pool.Snapshot(), 2)

	// The staged text is consumed.
	_, miss := s.side.Get(context.Background(), "import_proxies")
	s.ErrorIs(miss, cache.ErrCacheMiss)
}

func (s *CheckerTestSuite) TestHealthProbe() {
	s.pool.Add("1.1.1.1", 80, "", "", ProtocolHTTP, "")
	prober := &fakeProber{passing: map[string]int{"1.1.1.1:80": 1}}

	checker := s.newChecker(prober, sixURLs())
	s.True(checker.HealthProbe(context.Background(), s.pool.Snapshot()[0], "u1"))
	s.False(checker.HealthProbe(context.Background(), s.pool.Snapshot()[0], "u1"))
}
