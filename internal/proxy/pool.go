package proxy

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"github.com/dropfleet/dropfleet/internal/store"
	"github.com/dropfleet/dropfleet/pkg/logger"
)

// DefaultMaxFails is the selection threshold applied when SelectOptions
// leaves MaxFails at zero.
const DefaultMaxFails = 3

// SelectOptions filters Select candidates. The zero value asks for a
// working proxy (prior passing health check) with fewer than
// DefaultMaxFails failures and no country/protocol restriction.
type SelectOptions struct {
	Country  string
	Protocol Protocol
	MaxFails int
	// AllowUnchecked skips the prior-health-check requirement. Select
	// falls back to this relaxed pass on its own when the strict pass
	// yields nothing.
	AllowUnchecked bool
}

// Pool owns the in-memory proxy list plus its on-disk file behind a
// single coarse lock. Every mutating operation persists before
// returning; save failures are logged and retried on the next mutation
// rather than surfaced. Concurrent writers in other processes race on
// last-writer-wins semantics, the store file being the only cross-process
// synchronization point.
type Pool struct {
	mu            sync.Mutex
	proxies       []Proxy
	coll          *store.Collection[Proxy]
	minReuseDelay time.Duration
	log           logger.Logger
	now           func() time.Time
}

// NewPool loads the proxy store file (missing or corrupt files start an
// empty pool, per the store's recovery rules).
func NewPool(coll *store.Collection[Proxy], minReuseDelay time.Duration, log logger.Logger) (*Pool, error) {
	proxies, err := coll.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load proxy store: %w", err)
	}

	log.Info("loaded proxy pool", logger.Field{Key: "count", Value: len(proxies)})

	p := &Pool{
		proxies:       proxies,
		coll:          coll,
		minReuseDelay: minReuseDelay,
		log:           log,
		now:           time.Now,
	}
	setPoolGauges(p.countLocked())
	return p, nil
}

// Add upserts by (ip, port): provided non-empty fields update an
// existing entry, otherwise a new proxy is inserted. Always persists.
func (p *Pool) Add(ip string, port int, username, password string, protocol Protocol, country string) Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()

	prx := p.upsertLocked(ip, port, username, password, protocol, country)
	p.persistLocked()
	return prx
}

func (p *Pool) upsertLocked(ip string, port int, username, password string, protocol Protocol, country string) Proxy {
	if protocol == "" {
		protocol = ProtocolHTTP
	}

	for i := range p.proxies {
		if p.proxies[i].IP == ip && p.proxies[i].Port == port {
			if username != "" {
				p.proxies[i].Username = username
			}
			if password != "" {
				p.proxies[i].Password = password
			}
			p.proxies[i].Protocol = protocol
			if country != "" {
				p.proxies[i].Country = country
			}
			p.log.Info("updated existing proxy", logger.Field{Key: "endpoint", Value: p.proxies[i].Endpoint()})
			return p.proxies[i]
		}
	}

	prx := Proxy{
		IP:       ip,
		Port:     port,
		Username: username,
		Password: password,
		Protocol: protocol,
		Country:  country,
	}
	p.proxies = append(p.proxies, prx)
	p.log.Info("added new proxy", logger.Field{Key: "endpoint", Value: prx.Endpoint()})
	return prx
}

// BulkImport parses one proxy spec per non-empty, non-comment line and
// upserts each. Malformed lines are logged and skipped; the import never
// aborts on a single bad line. One persist at the end covers the whole
// batch. Returns the number of lines accepted.
func (p *Pool) BulkImport(text string, defaultProtocol Protocol) int {
	if defaultProtocol == "" {
		defaultProtocol = ProtocolHTTP
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		spec, err := ParseSpec(line)
		if err != nil {
			p.log.Error("failed to parse proxy line",
				logger.Field{Key: "line", Value: line},
				logger.Field{Key: "error", Value: err.Error()})
			continue
		}

		protocol := spec.Protocol
		if protocol == "" {
			protocol = defaultProtocol
		}

		p.upsertLocked(spec.Host, spec.Port, spec.Username, spec.Password, protocol, "")
		added++
	}

	if added > 0 {
		p.persistLocked()
		setPoolGauges(p.countLocked())
	}

	recordImports(added)
	p.log.Info("bulk import finished", logger.Field{Key: "added", Value: added})
	return added
}

// Select returns the best available proxy and stamps it as used. The
// strict pass requires a prior passing health check; when it yields
// nothing the relaxed pass drops that requirement. Two sequential
// passes, never recursion.
func (p *Pool) Select(opts SelectOptions) (*Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if opts.MaxFails <= 0 {
		opts.MaxFails = DefaultMaxFails
	}

	idx := p.selectLocked(opts)
	fallback := false
	if idx < 0 && !opts.AllowUnchecked {
		relaxed := opts
		relaxed.AllowUnchecked = true
		idx = p.selectLocked(relaxed)
		fallback = true
	}

	if idx < 0 {
		recordSelection("miss")
		p.log.Warn("no available proxies found")
		return nil, ErrNoProxyAvailable
	}

	p.proxies[idx].MarkUsed(p.now())
	p.persistLocked()

	if fallback {
		recordSelection("fallback_hit")
	} else {
		recordSelection("hit")
	}

	out := p.proxies[idx]
	return &out, nil
}

func (p *Pool) selectLocked(opts SelectOptions) int {
	now := p.now()
	candidates := make([]int, 0, len(p.proxies))

	for i := range p.proxies {
		prx := &p.proxies[i]
		if prx.FailCount >= opts.MaxFails {
			continue
		}
		if !opts.AllowUnchecked && !(prx.LastChecked != nil && prx.IsWorking) {
			continue
		}
		if opts.Country != "" && prx.Country != opts.Country {
			continue
		}
		if opts.Protocol != "" && prx.Protocol != opts.Protocol {
			continue
		}
		if prx.LastUsed != nil && now.Sub(*prx.LastUsed) <= p.minReuseDelay {
			continue
		}
		candidates = append(candidates, i)
	}

	if len(candidates) == 0 {
		return -1
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		pa, pb := &p.proxies[candidates[a]], &p.proxies[candidates[b]]
		if pa.FailCount != pb.FailCount {
			return pa.FailCount < pb.FailCount
		}
		switch {
		case pa.LastUsed == nil && pb.LastUsed == nil:
			return false
		case pa.LastUsed == nil:
			return true
		case pb.LastUsed == nil:
			return false
		default:
			return pa.LastUsed.Before(*pb.LastUsed)
		}
	})

	return candidates[0]
}

// SelectAddress returns the composed address of the best available
// proxy. Satisfies the registry's ProxySource.
func (p *Pool) SelectAddress() (string, error) {
	prx, err := p.Select(SelectOptions{})
	if err != nil {
		return "", err
	}
	return prx.Address(), nil
}

// ReportUsage adjusts the fail count after a task used the proxy:
// success decays the counter by one, failure increments it.
func (p *Pool) ReportUsage(ip string, port int, success bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.proxies {
		if p.proxies[i].IP == ip && p.proxies[i].Port == port {
			if success {
				p.proxies[i].MarkSuccess()
				p.log.Info("proxy used successfully",
					logger.Field{Key: "endpoint", Value: p.proxies[i].Endpoint()})
			} else {
				p.proxies[i].MarkFailed()
				p.log.Warn("proxy marked as failed",
					logger.Field{Key: "endpoint", Value: p.proxies[i].Endpoint()},
					logger.Field{Key: "fail_count", Value: p.proxies[i].FailCount})
			}
			recordUsageReport(success)
			p.persistLocked()
			return nil
		}
	}

	return fmt.Errorf("%w: %s:%d", ErrProxyNotFound, ip, port)
}

// SetCheckResult records a health probe outcome for the given endpoint
// and persists.
func (p *Pool) SetCheckResult(ip string, port int, working bool, responseTime time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.proxies {
		if p.proxies[i].IP == ip && p.proxies[i].Port == port {
			p.proxies[i].SetCheckResult(working, responseTime, p.now())
			if working {
				recordResponseTime(responseTime.Seconds())
			}
			p.persistLocked()
			setPoolGauges(p.countLocked())
			return nil
		}
	}

	return fmt.Errorf("%w: %s:%d", ErrProxyNotFound, ip, port)
}

// EvictFailed removes every proxy whose fail count reached maxFails and
// returns how many were removed. Persists only when something changed.
func (p *Pool) EvictFailed(maxFails int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.proxies[:0]
	for _, prx := range p.proxies {
		if prx.FailCount < maxFails {
			kept = append(kept, prx)
		}
	}

	removed := len(p.proxies) - len(kept)
	p.proxies = kept

	if removed > 0 {
		recordEvictions(removed)
		p.persistLocked()
		setPoolGauges(p.countLocked())
		p.log.Info("removed failed proxies", logger.Field{Key: "removed", Value: removed})
	}

	return removed
}

// ExportWorking formats the currently-working subset. Formats: plain
// (ip:port[:user:pass] lines), json, structured (YAML).
func (p *Pool) ExportWorking(format string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	working := make([]Proxy, 0, len(p.proxies))
	for _, prx := range p.proxies {
		if prx.IsWorking {
			working = append(working, prx)
		}
	}

	switch format {
	case "plain":
		lines := make([]string, 0, len(working))
		for _, prx := range working {
			if prx.Username != "" && prx.Password != "" {
				lines = append(lines, fmt.Sprintf("%s:%d:%s:%s", prx.IP, prx.Port, prx.Username, prx.Password))
			} else {
				lines = append(lines, fmt.Sprintf("%s:%d", prx.IP, prx.Port))
			}
		}
		return strings.Join(lines, "\n"), nil

	case "json":
		data, err := json.MarshalIndent(working, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to marshal working proxies: %w", err)
		}
		return string(data), nil

	case "structured":
		data, err := yaml.Marshal(working)
		if err != nil {
			return "", fmt.Errorf("failed to marshal working proxies: %w", err)
		}
		return string(data), nil

	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Stats summarizes pool availability.
type Stats struct {
	Total           int     `json:"total"`
	Working         int     `json:"working"`
	Available       int     `json:"available"`
	Failing         int     `json:"failing"`
	MeanResponseSec float64 `json:"mean_response_sec"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	s := Stats{Total: len(p.proxies)}

	responseTimes := make([]float64, 0, len(p.proxies))
	for _, prx := range p.proxies {
		if prx.IsWorking {
			s.Working++
			if prx.LastUsed == nil || now.Sub(*prx.LastUsed) > p.minReuseDelay {
				s.Available++
			}
			if prx.ResponseTime != nil {
				responseTimes = append(responseTimes, prx.ResponseTime.Seconds())
			}
		}
		if prx.FailCount > 0 {
			s.Failing++
		}
	}

	if len(responseTimes) > 0 {
		s.MeanResponseSec = stat.Mean(responseTimes, nil)
	}

	return s
}

// Snapshot returns a copy of the pool members for iteration outside the
// lock (health checking).
func (p *Pool) Snapshot() []Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Proxy, len(p.proxies))
	copy(out, p.proxies)
	return out
}

func (p *Pool) countLocked() (total, working int) {
	total = len(p.proxies)
	for _, prx := range p.proxies {
		if prx.IsWorking {
			working++
		}
	}
	return total, working
}

func (p *Pool) persistLocked() {
	if err := p.coll.Save(p.proxies); err != nil {
		p.log.Error("failed to save proxy store",
			logger.Field{Key: "path", Value: p.coll.Path()},
			logger.Field{Key: "error", Value: err.Error()})
	}
}
