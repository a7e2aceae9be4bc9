package urlnorm

import (
	"strings"
)

// DefaultCanonicalHost is the primary publisher host.
const DefaultCanonicalHost = "www.canada.ca"

// Canonicalizer layers publisher-specific rules over Normalize: alias hosts
// fold into one canonical host, which is always served over https and has
// case-insensitive paths.
type Canonicalizer struct {
	host    string
	aliases map[string]struct{}
}

// NewCanonicalizer builds a Canonicalizer for host and its aliases.
func NewCanonicalizer(host string, aliases ...string) *Canonicalizer {
	host = strings.ToLower(host)
	c := &Canonicalizer{host: host, aliases: map[string]struct{}{host: {}}}
	for _, a := range aliases {
		c.aliases[strings.ToLower(a)] = struct{}{}
	}
	return c
}

// NewCanadaCanonicalizer returns the canonicalizer for canada.ca.
func NewCanadaCanonicalizer() *Canonicalizer {
	return NewCanonicalizer(DefaultCanonicalHost, "canada.ca")
}

// Normalize applies the generic rules and then the publisher rules.
func (c *Canonicalizer) Normalize(raw, base string) (string, error) {
	u, err := resolve(raw, base)
	if err != nil {
		return "", err
	}
	normalizeGeneric(u)
	if _, ok := c.aliases[u.Hostname()]; ok {
		u.Scheme = "https"
		u.Host = c.host
		u.Path = strings.ToLower(u.Path)
	}
	return u.String(), nil
}
