// Package ipfilter implements the per-bucket CIDR allow/blocklist: a
// client IP is checked here first, before size/pattern validation and
// rate limiting. Entries are either single addresses or CIDR blocks,
// matched with net.IPNet.
package ipfilter

import (
	"fmt"
	"net"
	"strings"
)

// Config is the bucket-level YAML shape: allowlist/blocklist entries,
// each either a bare IP or CIDR notation.
type Config struct {
	Allowlist []string `yaml:"allowlist"`
	Blocklist []string `yaml:"blocklist"`
}

// rangeEntry is a single parsed allow/block entry: either an exact IP or a
// normalized CIDR network.
type rangeEntry struct {
	ip  net.IP     // set when the entry is a single address
	net *net.IPNet // set when the entry is a CIDR block
}

func parseRange(s string) (rangeEntry, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return rangeEntry{}, fmt.Errorf("invalid CIDR %q: %w", s, err)
		}
		return rangeEntry{net: ipnet}, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return rangeEntry{}, fmt.Errorf("invalid IP %q", s)
	}
	return rangeEntry{ip: ip}, nil
}

func (r rangeEntry) contains(ip net.IP) bool {
	if r.net != nil {
		return r.net.Contains(ip)
	}
	return r.ip.Equal(ip)
}

// Filter is a compiled allow/blocklist ready for per-request checks.
type Filter struct {
	allowlist []rangeEntry
	blocklist []rangeEntry
}

// New compiles cfg into a Filter, or returns an error on the first
// unparseable entry.
func New(cfg Config) (*Filter, error) {
	f := &Filter{}
	for _, s := range cfg.Allowlist {
		r, err := parseRange(s)
		if err != nil {
			return nil, err
		}
		f.allowlist = append(f.allowlist, r)
	}
	for _, s := range cfg.Blocklist {
		r, err := parseRange(s)
		if err != nil {
			return nil, err
		}
		f.blocklist = append(f.blocklist, r)
	}
	return f, nil
}

// AllowAll returns a Filter with no rules; every IP is allowed. This is
// the default for buckets with no ip_filter section configured.
func AllowAll() *Filter {
	return &Filter{}
}

// IsAllowed reports whether ip may proceed. Allowlist takes precedence:
// if an allowlist is configured, only addresses matching it pass,
// regardless of the blocklist. With no allowlist, an address is allowed
// unless it matches the blocklist. An empty filter allows everything.
func (f *Filter) IsAllowed(ip net.IP) bool {
	if len(f.allowlist) > 0 {
		for _, r := range f.allowlist {
			if r.contains(ip) {
				return true
			}
		}
		return false
	}
	for _, r := range f.blocklist {
		if r.contains(ip) {
			return false
		}
	}
	return true
}

// IsAllowedStr parses ipStr and checks it, returning an error if the
// string is not a valid IP address.
func (f *Filter) IsAllowedStr(ipStr string) (bool, error) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false, fmt.Errorf("invalid IP %q", ipStr)
	}
	return f.IsAllowed(ip), nil
}

// IsConfigured reports whether any allow/block rules are present.
func (f *Filter) IsConfigured() bool {
	return len(f.allowlist) > 0 || len(f.blocklist) > 0
}
