// Package urlnorm canonicalizes catalogue URLs so that one page maps to one
// string. Every function here is idempotent: Normalize(Normalize(u)) equals
// Normalize(u).
package urlnorm

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// ErrUnsupportedScheme is returned for non-HTTP links such as mailto:.
var ErrUnsupportedScheme = errors.New("urlnorm: unsupported scheme")

// ErrNoHost is returned when the resolved URL has no host.
var ErrNoHost = errors.New("urlnorm: missing host")

var trackingParams = map[string]struct{}{
	"fbclid":    {},
	"gclid":     {},
	"dclid":     {},
	"msclkid":   {},
	"mc_cid":    {},
	"mc_eid":    {},
	"_ga":       {},
	"_gl":       {},
	"yclid":     {},
	"igshid":    {},
	"wt.mc_id":  {},
	"wbdisable": {},
}

func isTrackingParam(key string) bool {
	k := strings.ToLower(key)
	if strings.HasPrefix(k, "utm_") {
		return true
	}
	_, ok := trackingParams[k]
	return ok
}

// Normalize resolves raw against base (which may be empty when raw is
// absolute) and applies the generic rules: lower-case scheme and host,
// default ports, fragments and tracking parameters removed, query sorted,
// trailing slash stripped except at the root.
func Normalize(raw, base string) (string, error) {
	u, err := resolve(raw, base)
	if err != nil {
		return "", err
	}
	normalizeGeneric(u)
	return u.String(), nil
}

func resolve(raw, base string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if base != "" {
		b, err := url.Parse(strings.TrimSpace(base))
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		ref = b.ResolveReference(ref)
	}
	scheme := strings.ToLower(ref.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, ref.Scheme)
	}
	if ref.Host == "" {
		return nil, ErrNoHost
	}
	return ref, nil
}

func normalizeGeneric(u *url.URL) {
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	for key := range q {
		if isTrackingParam(key) {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	u.ForceQuery = false

	p := strings.TrimRight(u.Path, "/")
	if p == "" {
		p = "/"
	}
	u.Path = p
	u.RawPath = ""
}

// contentTail matches trailing segments that name a publication by code,
// for example s1-f3-c1, ic07-1r1 or 19-1-2.
var contentTail = regexp.MustCompile(`(?i)(^|-)(s\d+-f\d+-c\d+|ic\d{2}-\d+[a-z0-9]*|\d{1,2}(-\d{1,2}){1,2})$`)

// IsContentPath reports whether p names a document rather than a listing.
func IsContentPath(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	if ext == ".html" || ext == ".htm" || ext == ".pdf" {
		return true
	}
	last := path.Base(strings.TrimRight(p, "/"))
	return contentTail.MatchString(last)
}

// IsContentURL applies IsContentPath to the path of rawURL.
func IsContentURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return IsContentPath(u.Path)
}

// IsPDF reports whether the URL path ends in .pdf.
func IsPDF(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".pdf")
}

// Stem returns the lower-cased base name of the URL path without extension.
func Stem(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	return strings.ToLower(strings.TrimSuffix(base, path.Ext(base)))
}

// SameHost reports whether two URLs share a hostname.
func SameHost(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return strings.EqualFold(ua.Hostname(), ub.Hostname())
}
