// Package scope decides which discovered URLs belong to a crawl.
package scope

import (
	"net/url"
	"strings"
)

// Scope matches URLs against configured patterns. A pattern is one of:
//
//	example.org          exact host
//	*.example.org        the domain and any subdomain (".example.org" works too)
//	http://example.org/  URL prefix
//
// A nil or empty Scope allows everything.
type Scope struct {
	exact    map[string]struct{}
	suffixes []string
	prefixes []string
}

// New builds a Scope from patterns. It returns nil when no pattern is usable.
func New(patterns []string) *Scope {
	s := &Scope{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		if strings.Contains(value, "://") {
			s.prefixes = append(s.prefixes, value)
			continue
		}
		value = strings.ToLower(value)
		switch {
		case strings.HasPrefix(value, "*."):
			s.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			s.addSuffix(strings.TrimPrefix(value, "."))
		default:
			s.exact[value] = struct{}{}
		}
	}
	if s.empty() {
		return nil
	}
	return s
}

func (s *Scope) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range s.suffixes {
		if existing == suffix {
			return
		}
	}
	s.suffixes = append(s.suffixes, suffix)
}

func (s *Scope) empty() bool {
	return len(s.exact) == 0 && len(s.suffixes) == 0 && len(s.prefixes) == 0
}

// Allows reports whether rawURL is in scope.
func (s *Scope) Allows(rawURL string) bool {
	if s == nil || s.empty() {
		return true
	}
	for _, prefix := range s.prefixes {
		if strings.HasPrefix(rawURL, prefix) {
			return true
		}
	}
	if len(s.exact) == 0 && len(s.suffixes) == 0 {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return s.AllowsHost(u.Hostname())
}

// AllowsHost reports whether host matches an exact or wildcard pattern.
// URL prefix patterns are ignored.
func (s *Scope) AllowsHost(host string) bool {
	if s == nil || (len(s.exact) == 0 && len(s.suffixes) == 0) {
		return true
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := s.exact[host]; exact {
		return true
	}
	for _, suffix := range s.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
