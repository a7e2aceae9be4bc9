// Package detector classifies denied responses. Everything here is pure:
// no I/O and no clock.
package detector

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
)

const (
	// smallBodyLimit bounds the 403 responses the classifier examines.
	smallBodyLimit = 2000
	// hardBlockLimit bounds bodies that abort a browser fetch outright.
	hardBlockLimit = 2048
	previewBytes   = 500
)

var blockStatuses = map[int]struct{}{
	http.StatusUnauthorized:       {},
	http.StatusForbidden:          {},
	http.StatusTooManyRequests:    {},
	http.StatusServiceUnavailable: {},
}

// IsBlockStatus reports whether status is one that triggers signature capture.
func IsBlockStatus(status int) bool {
	_, ok := blockStatuses[status]
	return ok
}

// IsHardBlock reports whether a denied response is definitive.
func IsHardBlock(status, bodyLen int) bool {
	return IsBlockStatus(status) && bodyLen < hardBlockLimit
}

// Classify maps a signature to a block type. Only small 403 responses are
// considered blocks; the first matching rule wins.
func Classify(sig catalogue.BlockSignature) catalogue.BlockType {
	if sig.StatusCode != http.StatusForbidden || sig.ContentLength >= smallBodyLimit {
		return catalogue.BlockNone
	}
	kw := sig.Keywords
	switch {
	case kw.Captcha || kw.EnableJS:
		return catalogue.BlockWAFChallenge
	case kw.Bot || kw.Blocked:
		return catalogue.BlockBotDetection
	case kw.AccessDenied || kw.Forbidden:
		return catalogue.BlockGeneric403
	case len(sig.WAFHeaders) > 0:
		return catalogue.BlockRedirectStub
	default:
		return catalogue.BlockGeneric403
	}
}

// ShouldRetry reports whether a block is worth retrying. Blocks are
// definitive, so it never is.
func ShouldRetry(catalogue.BlockType) bool {
	return false
}

// Reason returns a human-readable description of a block type.
func Reason(t catalogue.BlockType) string {
	switch t {
	case catalogue.BlockWAFChallenge:
		return "WAF challenge page (captcha or JavaScript check)"
	case catalogue.BlockBotDetection:
		return "bot detection page"
	case catalogue.BlockGeneric403:
		return "access denied (403)"
	case catalogue.BlockRedirectStub:
		return "WAF redirect stub"
	case catalogue.BlockNone:
		return "not blocked"
	default:
		return "unrecognised block"
	}
}

var keywordPatterns = struct {
	captcha, enableJS, bot, blocked, accessDenied, forbidden *regexp.Regexp
}{
	captcha:      regexp.MustCompile(`(?i)captcha|are you (a )?human|verify you are`),
	enableJS:     regexp.MustCompile(`(?i)enable javascript|javascript is (disabled|required)|activer javascript`),
	bot:          regexp.MustCompile(`(?i)\bbots?\b|automated (access|requests?)`),
	blocked:      regexp.MustCompile(`(?i)\bblocked\b|request rejected|bloqu[ée]`),
	accessDenied: regexp.MustCompile(`(?i)access denied|accès refusé|acces refuse`),
	forbidden:    regexp.MustCompile(`(?i)\bforbidden\b|interdit`),
}

// Keywords scans body for block phrases.
func Keywords(body []byte) catalogue.KeywordFlags {
	return catalogue.KeywordFlags{
		Captcha:      keywordPatterns.captcha.Match(body),
		EnableJS:     keywordPatterns.enableJS.Match(body),
		Bot:          keywordPatterns.bot.Match(body),
		Blocked:      keywordPatterns.blocked.Match(body),
		AccessDenied: keywordPatterns.accessDenied.Match(body),
		Forbidden:    keywordPatterns.forbidden.Match(body),
	}
}

var wafHeaderPrefixes = []string{
	"cf-ray",
	"cf-mitigated",
	"x-akamai-",
	"akamai-grn",
	"x-iinfo",
	"x-cdn",
	"x-sucuri-id",
	"x-amzn-waf-",
}

// WAFHeaders returns the lower-cased names of recognised WAF headers.
func WAFHeaders(headers http.Header) []string {
	var found []string
	for name := range headers {
		lower := strings.ToLower(name)
		for _, prefix := range wafHeaderPrefixes {
			if strings.HasPrefix(lower, prefix) {
				found = append(found, lower)
				break
			}
		}
	}
	if strings.Contains(strings.ToLower(headers.Get("Server")), "akamaighost") {
		found = append(found, "server")
	}
	sort.Strings(found)
	return found
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	ipv4Pattern  = regexp.MustCompile(`\b\d{1,3}(\.\d{1,3}){3}\b`)
	digitsRun    = regexp.MustCompile(`\d{6,}`)
)

// Redact masks emails, IPv4 addresses and long digit runs.
func Redact(s string) string {
	s = emailPattern.ReplaceAllString(s, "[redacted]")
	s = ipv4Pattern.ReplaceAllString(s, "[redacted]")
	return digitsRun.ReplaceAllString(s, "[redacted]")
}

// BuildSignature fingerprints a denied response.
func BuildSignature(status int, headers http.Header, body []byte) catalogue.BlockSignature {
	sum := sha256.Sum256(body)
	preview := body
	if len(preview) > previewBytes {
		preview = preview[:previewBytes]
	}
	contentType := ""
	if headers != nil {
		contentType = headers.Get("Content-Type")
	}
	return catalogue.BlockSignature{
		StatusCode:    status,
		ContentType:   contentType,
		ContentLength: len(body),
		BodyHash:      hex.EncodeToString(sum[:]),
		BodyPreview:   Redact(strings.ToValidUTF8(string(preview), "")),
		Keywords:      Keywords(body),
		WAFHeaders:    WAFHeaders(headers),
	}
}

var contentMarkers = [][]byte{
	[]byte("wb-cont"),
	[]byte("gcweb"),
	[]byte("<main"),
	[]byte(`property="name"`),
}

// HasContentMarkers reports whether body looks like a real publisher page.
func HasContentMarkers(body []byte) bool {
	lower := bytes.ToLower(body)
	for _, m := range contentMarkers {
		if bytes.Contains(lower, bytes.ToLower(m)) {
			return true
		}
	}
	return false
}

var (
	titlePattern      = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	h1Pattern         = regexp.MustCompile(`(?is)<h1[^>]*>(.*?)</h1>`)
	errorTitlePattern = regexp.MustCompile(`(?i)\b403\b|forbidden|access denied|\berror\b|erreur`)
)

// LooksLikeErrorPage reports whether the title or first heading names an error.
func LooksLikeErrorPage(body []byte) bool {
	for _, p := range []*regexp.Regexp{titlePattern, h1Pattern} {
		if m := p.FindSubmatch(body); m != nil && errorTitlePattern.Match(m[1]) {
			return true
		}
	}
	return false
}

// Inspect builds a BlockInfo for a denied response. hard reports whether
// the response is definitive and must not be retried.
func Inspect(status int, headers http.Header, body []byte) (info catalogue.BlockInfo, hard bool) {
	sig := BuildSignature(status, headers, body)
	t := Classify(sig)
	hard = IsHardBlock(status, len(body))
	reason := Reason(t)
	if hard && t == catalogue.BlockNone {
		reason = "hard block: status " + http.StatusText(status)
	}
	return catalogue.BlockInfo{Type: t, Reason: reason, Signature: sig}, hard
}
