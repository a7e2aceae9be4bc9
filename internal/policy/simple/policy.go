// Package simple contains URL scope policies.
package simple

import (
	"net/url"
	"strings"
)

// Allowlist admits URLs that start with one of its prefixes. With no
// prefixes it admits URLs on the seed host only.
type Allowlist struct {
	prefixes []string
	seedHost string
}

// NewAllowlist builds an Allowlist. Prefixes should already be normalized.
func NewAllowlist(seedURL string, prefixes []string) *Allowlist {
	a := &Allowlist{}
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			a.prefixes = append(a.prefixes, strings.ToLower(p))
		}
	}
	if u, err := url.Parse(seedURL); err == nil {
		a.seedHost = strings.ToLower(u.Hostname())
	}
	return a
}

// Allowed reports whether normalizedURL is in scope.
func (a *Allowlist) Allowed(normalizedURL string) bool {
	if a == nil {
		return true
	}
	if len(a.prefixes) == 0 {
		u, err := url.Parse(normalizedURL)
		return err == nil && strings.EqualFold(u.Hostname(), a.seedHost)
	}
	lower := strings.ToLower(normalizedURL)
	for _, p := range a.prefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
