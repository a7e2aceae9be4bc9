package catalogue

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// BlockType classifies bot protection responses.
type BlockType string

// Block types.
const (
	BlockNone         BlockType = "not_blocked"
	BlockGeneric403   BlockType = "generic_403"
	BlockWAFChallenge BlockType = "waf_challenge"
	BlockBotDetection BlockType = "bot_detection"
	BlockRedirectStub BlockType = "redirect_stub"
)

// KeywordFlags records which block phrases appeared in a response body.
type KeywordFlags struct {
	Captcha      bool `json:"captcha"`
	EnableJS     bool `json:"enable_js"`
	Bot          bool `json:"bot"`
	Blocked      bool `json:"blocked"`
	AccessDenied bool `json:"access_denied"`
	Forbidden    bool `json:"forbidden"`
}

// Any reports whether any keyword matched.
func (k KeywordFlags) Any() bool {
	return k.Captcha || k.EnableJS || k.Bot || k.Blocked || k.AccessDenied || k.Forbidden
}

// BlockSignature is a redacted fingerprint of a blocked response.
type BlockSignature struct {
	StatusCode    int          `json:"status_code"`
	ContentType   string       `json:"content_type"`
	ContentLength int          `json:"content_length"`
	BodyHash      string       `json:"body_hash"`
	BodyPreview   string       `json:"body_preview"`
	Keywords      KeywordFlags `json:"keywords"`
	WAFHeaders    []string     `json:"waf_headers,omitempty"`
}

// BlockInfo describes a detected block.
type BlockInfo struct {
	Type       BlockType
	Reason     string
	Signature  BlockSignature
	DetectedAt time.Time
}

// FetchErrorKind groups fetch failures by how callers react to them.
type FetchErrorKind string

// Fetch error kinds.
const (
	KindTransient FetchErrorKind = "transient"
	KindBlocked   FetchErrorKind = "blocked"
	KindNotFound  FetchErrorKind = "not_found"
	KindClient    FetchErrorKind = "client"
	KindRedirect  FetchErrorKind = "redirect"
)

// FetchError is the structured failure returned by every Fetcher.
type FetchError struct {
	URL        string
	StatusCode int
	Kind       FetchErrorKind
	Block      *BlockInfo
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Block != nil:
		return fmt.Sprintf("fetch %s: blocked (%s): %s", e.URL, e.Block.Type, e.Block.Reason)
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewStatusError maps a failing HTTP status to a FetchError.
func NewStatusError(url string, status int) *FetchError {
	kind := KindClient
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		kind = KindNotFound
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		kind = KindTransient
	}
	return &FetchError{URL: url, StatusCode: status, Kind: kind}
}

// IsNotFound reports whether err is a 404/410 fetch failure.
func IsNotFound(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindNotFound
}

// AsBlock extracts block details from err.
func AsBlock(err error) (*BlockInfo, bool) {
	var fe *FetchError
	if errors.As(err, &fe) && fe.Block != nil {
		return fe.Block, true
	}
	return nil, false
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindTransient
}
