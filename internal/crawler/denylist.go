package crawler

import (
	"net/url"
	"slices"
	"strings"
)

// hostDenylist matches exact hosts and suffix wildcards such as "*.gc.ca".
type hostDenylist struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostDenylist(patterns []string) *hostDenylist {
	matcher := &hostDenylist{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			matcher.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			matcher.addSuffix(strings.TrimPrefix(value, "."))
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (d *hostDenylist) addSuffix(suffix string) {
	if suffix == "" || slices.Contains(d.suffixes, suffix) {
		return
	}
	d.suffixes = append(d.suffixes, suffix)
}

// Denied reports whether the host of rawURL is listed.
func (d *hostDenylist) Denied(rawURL string) bool {
	if d == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	if _, exact := d.exact[host]; exact {
		return true
	}
	for _, suffix := range d.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
