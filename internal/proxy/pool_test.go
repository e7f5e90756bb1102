package proxy

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/dropfleet/dropfleet/internal/store"
	"github.com/dropfleet/dropfleet/pkg/logger"
)

type PoolTestSuite struct {
	suite.Suite
	pool *Pool
	now  time.Time
}

func (s *PoolTestSuite) SetupTest() {
	path := filepath.Join(s.T().TempDir(), "proxies.json")
	coll := store.New[Proxy](path, logger.Nop(), store.WithRollingBackup[Proxy]())

	pool, err := NewPool(coll, 300*time.Second, logger.Nop())
	s.Require().NoError(err)

	s.now = time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	pool.now = func() time.Time { return s.now }
	s.pool = pool
}

func TestPoolTestSuite(t *testing.T) {
	suite.Run(t, new(PoolTestSuite))
}

// addWorking inserts a proxy that has already passed a health check.
func (s *PoolTestSuite) addWorking(ip string, port int) {
	s.pool.Add(ip, port, "", "", ProtocolHTTP, "")
	s.Require().NoError(s.pool.SetCheckResult(ip, port, true, 100*time.Millisecond))
}

func (s *PoolTestSuite) TestAddUpsertsByEndpoint() {
	s.pool.Add("1.2.3.4", 8080, "", "", ProtocolHTTP, "")
	s.pool.Add("1.2.3.4", 8080, "user", "pass", ProtocolSOCKS5, "US")

	proxies := s.pool.Snapshot()
	s.Require().Len(proxies, 1)
	s.Equal("user", proxies[0].Username)
	s.Equal(ProtocolSOCKS5, proxies[0].Protocol)
	s.Equal("US", proxies[0].Country)
}

func (s *PoolTestSuite) TestSelectEmptyPool() {
	_, err := s.pool.Select(SelectOptions{})
	s.ErrorIs(err, ErrNoProxyAvailable)
}

func (s *PoolTestSuite) TestSelectPrefersLowestFailCount() {
	s.addWorking("1.1.1.1", 80)
	s.addWorking("2.2.2.2", 80)
	s.Require().NoError(s.pool.ReportUsage("1.1.1.1", 80, false))

	prx, err := s.pool.Select(SelectOptions{})
	s.Require().NoError(err)
	s.Equal("2.2.2.2", prx.IP)
}

func (s *PoolTestSuite) TestSelectPrefersNeverUsed() {
	s.addWorking("1.1.1.1", 80)
	s.addWorking("2.2.2.2", 80)

	first, err := s.pool.Select(SelectOptions{})
	s.Require().NoError(err)

	s.now = s.now.Add(10 * time.Minute)
	second, err := s.pool.Select(SelectOptions{})
	s.Require().NoError(err)
	s.NotEqual(first.IP, second.IP)
}

func (s *PoolTestSuite) TestSelectHonorsReuseDelay() {
	s.addWorking("1.1.1.1", 80)

	_, err := s.pool.Select(SelectOptions{})
	s.Require().NoError(err)

	// Within the cooldown the only proxy is off limits.
	s.now = s.now.Add(30 * time.Second)
	_, err = s.pool.Select(SelectOptions{})
	s.ErrorIs(err, ErrNoProxyAvailable)

	s.now = s.now.Add(5 * time.Minute)
	prx, err := s.pool.Select(SelectOptions{})
	s.Require().NoError(err)
	s.Equal("1.1.1.1", prx.IP)
}

func (s *PoolTestSuite) TestSelectFallsBackToUnchecked() {
	s.pool.Add("9.9.9.9", 80, "", "", ProtocolHTTP, "")

	prx, err := s.pool.Select(SelectOptions{})
	s.Require().NoError(err)
	s.Equal("9.9.9.9", prx.IP)
}

func (s *PoolTestSuite) TestSelectFiltersCountryAndProtocol() {
	s.pool.Add("1.1.1.1", 80, "", "", ProtocolHTTP, "US")
	s.pool.Add("2.2.2.2", 80, "", "", ProtocolSOCKS5, "DE")
	s.Require().NoError(s.pool.SetCheckResult("1.1.1.1", 80, true, time.Millisecond))
	s.Require().NoError(s.pool.SetCheckResult("2.2.2.2", 80, true, time.Millisecond))

	prx, err := s.pool.Select(SelectOptions{Country: "DE"})
	s.Require().NoError(err)
	s.Equal("2.2.2.2", prx.IP)

	prx, err = s.pool.Select(SelectOptions{Protocol: ProtocolHTTP})
	s.Require().NoError(err)
	s.Equal("1.1.1.1", prx.IP)

	_, err = s.pool.Select(SelectOptions{Country: "FR"})
	s.ErrorIs(err, ErrNoProxyAvailable)
}

func (s *PoolTestSuite) TestSelectExcludesOverFailThreshold() {
	s.addWorking("1.1.1.1", 80)
	for i := 0; i < DefaultMaxFails; i++ {
		s.Require().NoError(s.pool.ReportUsage("1.1.1.1", 80, false))
	}

	_, err := s.pool.Select(SelectOptions{})
	s.ErrorIs(err, ErrNoProxyAvailable)
}

func (s *PoolTestSuite) TestReportUsageDecaysNeverNegative() {
	s.addWorking("1.1.1.1", 80)

	s.Require().NoError(s.pool.ReportUsage("1.1.1.1", 80, false))
	s.Require().NoError(s.pool.ReportUsage("1.1.1.1", 80, true))
	s.Require().NoError(s.pool.ReportUsage("1.1.1.1", 80, true))

	s.Equal(0, s.pool.Snapshot()[0].FailCount)
}

func (s *PoolTestSuite) TestReportUsageUnknownProxy() {
	err := s.pool.ReportUsage("8.8.8.8", 53, true)
	s.ErrorIs(err, ErrProxyNotFound)
}

func (s *PoolTestSuite) TestSetCheckResultResetsFailCount() {
	s.pool.Add("1.1.1.1", 80, "", "", ProtocolHTTP, "")
	s.Require().NoError(s.pool.ReportUsage("1.1.1.1", 80, false))
	s.Require().NoError(s.pool.ReportUsage("1.1.1.1", 80, false))

	s.Require().NoError(s.pool.SetCheckResult("1.1.1.1", 80, true, 50*time.Millisecond))

	prx := s.pool.Snapshot()[0]
	s.Equal(0, prx.FailCount)
	s.True(prx.IsWorking)
	s.Require().NotNil(prx.ResponseTime)
	s.Equal(50*time.Millisecond, *prx.ResponseTime)
}

func (s *PoolTestSuite) TestEvictFailed() {
	s.addWorking("1.1.1.1", 80)
	s.addWorking("2.2.2.2", 80)
	for i := 0; i < 5; i++ {
		s.Require().NoError(s.pool.ReportUsage("2.2.2.2", 80, false))
	}

	removed := s.pool.EvictFailed(5)
	s.Equal(1, removed)

	proxies := s.pool.Snapshot()
	s.Require().Len(proxies, 1)
	s.Equal("1.1.1.1", proxies[0].IP)

	s.Equal(0, s.pool.EvictFailed(5))
}

func (s *PoolTestSuite) TestBulkImportSkipsBadLines() {
	text := "1.1.1.1:8080\n\n# comment\nnot a proxy line\nuser:pass@2.2.2.2:3128\n"

	added := s.pool.BulkImport(text, ProtocolSOCKS5)
	s.Equal(2, added)

	proxies := s.pool.Snapshot()
	s.Require().Len(proxies, 2)
	s.Equal(ProtocolSOCKS5, proxies[0].Protocol)
	s.Equal("pass", proxies[1].Password)
}

func (s *PoolTestSuite) TestBulkImportExplicitProtocolWins() {
	s.pool.BulkImport("socks4://3.3.3.3:1080", ProtocolHTTP)
	s.Equal(ProtocolSOCKS4, s.pool.Snapshot()[0].Protocol)
}

func (s *PoolTestSuite) TestExportWorking() {
	s.addWorking("1.1.1.1", 80)
	s.pool.Add("2.2.2.2", 80, "u", "p", ProtocolHTTP, "")
	s.Require().NoError(s.pool.SetCheckResult("2.2.2.2", 80, true, time.Millisecond))
	s.pool.Add("3.3.3.3", 80, "", "", ProtocolHTTP, "")

	plain, err := s.pool.ExportWorking("plain")
	s.Require().NoError(err)
	s.Equal("1.1.1.1:80\n2.2.2.2:80:u:p", plain)

	out, err := s.pool.ExportWorking("json")
	s.Require().NoError(err)
	var decoded []Proxy
	s.Require().NoError(json.Unmarshal([]byte(out), &decoded))
	s.Len(decoded, 2)

	structured, err := s.pool.ExportWorking("structured")
	s.Require().NoError(err)
	s.Contains(structured, "ip: 1.1.1.1")

	_, err = s.pool.ExportWorking("csv")
	s.ErrorIs(err, ErrUnknownFormat)
}

func (s *PoolTestSuite) TestStats() {
	s.addWorking("1.1.1.1", 80)
	s.addWorking("2.2.2.2", 80)
	s.pool.Add("3.3.3.3", 80, "", "", ProtocolHTTP, "")
	s.Require().NoError(s.pool.ReportUsage("3.3.3.3", 80, false))

	_, err := s.pool.Select(SelectOptions{})
	s.Require().NoError(err)

	stats := s.pool.Stats()
	s.Equal(3, stats.Total)
	s.Equal(2, stats.Working)
	s.Equal(1, stats.Available)
	s.Equal(1, stats.Failing)
	s.InDelta(0.1, stats.MeanResponseSec, 0.001)
}

func (s *PoolTestSuite) TestPersistenceRoundTrip() {
	s.addWorking("1.1.1.1", 80)

	reloaded, err := NewPool(s.pool.coll, 300*time.Second, logger.Nop())
	s.Require().NoError(err)

	proxies := reloaded.Snapshot()
	s.Require().Len(proxies, 1)
	s.Equal("1.1.1.1", proxies[0].IP)
	s.True(proxies[0].IsWorking)
}
