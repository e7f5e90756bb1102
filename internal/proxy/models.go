package proxy

import (
	"fmt"
	"time"
)

type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolHTTPS  Protocol = "https"
	ProtocolSOCKS4 Protocol = "socks4"
	ProtocolSOCKS5 Protocol = "socks5"
)

// ValidProtocol reports whether p is one of the supported schemes.
func ValidProtocol(p Protocol) bool {
	switch p {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolSOCKS4, ProtocolSOCKS5:
		return true
	}
	return false
}

// Proxy is a network egress endpoint. The JSON shape is the proxy store
// file contract: a sibling .bak copy is maintained by the pool's store.
type Proxy struct {
	IP           string         `json:"ip"`
	Port         int            `json:"port"`
	Username     string         `json:"username,omitempty"`
	Password     string         `json:"password,omitempty"`
	Protocol     Protocol       `json:"protocol"`
	Country      string         `json:"country,omitempty"`
	LastUsed     *time.Time     `json:"last_used,omitempty"`
	FailCount    int            `json:"fail_count"`
	LastChecked  *time.Time     `json:"last_checked,omitempty"`
	IsWorking    bool           `json:"is_working"`
	ResponseTime *time.Duration `json:"response_time,omitempty"`
}

// Address composes scheme://[user:pass@]ip:port.
func (p *Proxy) Address() string {
	if p.Username != "" && p.Password != "" {
		return fmt.Sprintf("%s://%s:%s@%s:%d", p.Protocol, p.Username, p.Password, p.IP, p.Port)
	}
	return fmt.Sprintf("%s://%s:%d", p.Protocol, p.IP, p.Port)
}

// Endpoint is the (ip, port) identity used for upserts and lookups.
func (p *Proxy) Endpoint() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// MarkUsed stamps the selection time.
func (p *Proxy) MarkUsed(now time.Time) {
	t := now
	p.LastUsed = &t
}

// MarkFailed records a usage failure.
func (p *Proxy) MarkFailed() {
	p.FailCount++
}

// MarkSuccess records a usage success. The counter decays toward zero
// and never goes negative; only a passing health probe resets it outright.
func (p *Proxy) MarkSuccess() {
	if p.FailCount > 0 {
		p.FailCount--
	}
}

// SetCheckResult records a health probe outcome. The probe is the
// authoritative fail-count path: a pass resets the counter to zero, a
// failure increments it and records no response time.
func (p *Proxy) SetCheckResult(working bool, responseTime time.Duration, now time.Time) {
	t := now
	p.LastChecked = &t
	p.IsWorking = working

	if working {
		rt := responseTime
		p.ResponseTime = &rt
		p.FailCount = 0
	} else {
		p.ResponseTime = nil
		p.FailCount++
	}
}
