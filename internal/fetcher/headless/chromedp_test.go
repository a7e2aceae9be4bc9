package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
)

var fixedNow = time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)

const publisherPage = `<html><head><title>Income Tax Folio S1-F3-C1</title></head>` +
	`<body class="gcweb"><main property="mainContentOfPage"><h1 property="name">Child Care</h1></main></body></html>`

func TestEvaluateHardBlockAborts(t *testing.T) {
	t.Parallel()

	resp := catalogue.FetchResponse{URL: "https://www.canada.ca/x", StatusCode: 403, Body: []byte("Access denied. Are you a bot?")}
	_, err := evaluate(resp, fixedNow)
	require.Error(t, err)

	info, ok := catalogue.AsBlock(err)
	require.True(t, ok)
	assert.Equal(t, catalogue.BlockBotDetection, info.Type)
	assert.Equal(t, fixedNow, info.DetectedAt)
	assert.Equal(t, 403, info.Signature.StatusCode)
}

func TestEvaluateLargeDeniedPageWithContentIsAccepted(t *testing.T) {
	t.Parallel()

	body := publisherPage + strings.Repeat("<!-- padding -->", 200)
	resp := catalogue.FetchResponse{URL: "https://www.canada.ca/x", StatusCode: 403, Body: []byte(body)}
	got, err := evaluate(resp, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, got.StatusCode)
}

func TestEvaluateLargeDeniedErrorPageFails(t *testing.T) {
	t.Parallel()

	body := `<html><title>403 Forbidden</title><main>denied</main>` + strings.Repeat(" ", 3000) + `</html>`
	_, err := evaluate(catalogue.FetchResponse{URL: "https://x", StatusCode: 403, Body: []byte(body)}, fixedNow)
	require.Error(t, err)
	_, blocked := catalogue.AsBlock(err)
	assert.True(t, blocked)

	big503 := strings.Repeat("x", 4000)
	_, err = evaluate(catalogue.FetchResponse{URL: "https://x", StatusCode: 503, Body: []byte(big503)}, fixedNow)
	require.Error(t, err)
	assert.True(t, catalogue.IsTransient(err))
}

func TestEvaluateStatusMapping(t *testing.T) {
	t.Parallel()

	_, err := evaluate(catalogue.FetchResponse{URL: "https://x", StatusCode: 404}, fixedNow)
	assert.True(t, catalogue.IsNotFound(err))

	got, err := evaluate(catalogue.FetchResponse{URL: "https://x", StatusCode: 200, Body: []byte("ok")}, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got.Body))
}

func newStubFetcher(cfg Config, results ...error) (*Fetcher, *int, *[]time.Duration) {
	f := NewFetcher(cfg, nil, nil, nil)
	calls := 0
	var sleeps []time.Duration
	f.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	f.attempt = func(context.Context, catalogue.FetchRequest) (catalogue.FetchResponse, error) {
		err := results[calls]
		calls++
		if err != nil {
			return catalogue.FetchResponse{}, err
		}
		return catalogue.FetchResponse{StatusCode: 200, UsedHeadless: true}, nil
	}
	return f, &calls, &sleeps
}

func TestFetchUsesLongerBackoffAfterClosure(t *testing.T) {
	t.Parallel()

	timeout := &catalogue.FetchError{URL: "u", Kind: catalogue.KindTransient, Err: context.DeadlineExceeded}
	closed := &catalogue.FetchError{URL: "u", Kind: catalogue.KindTransient, Err: errors.New("chromedp run: target closed")}
	f, calls, sleeps := newStubFetcher(Config{Retries: 2, RetryBackoff: 100 * time.Millisecond, ClosureBackoffMultiplier: 3}, timeout, closed, nil)

	resp, err := f.Fetch(context.Background(), catalogue.FetchRequest{URL: "u"})
	require.NoError(t, err)
	assert.True(t, resp.UsedHeadless)
	assert.Equal(t, 3, *calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 600 * time.Millisecond}, *sleeps)
}

func TestFetchNeverRetriesBlocks(t *testing.T) {
	t.Parallel()

	block := &catalogue.FetchError{URL: "u", Kind: catalogue.KindBlocked, Block: &catalogue.BlockInfo{Type: catalogue.BlockGeneric403}}
	f, calls, sleeps := newStubFetcher(Config{Retries: 3}, block, nil)

	_, err := f.Fetch(context.Background(), catalogue.FetchRequest{URL: "u"})
	require.Error(t, err)
	assert.Equal(t, 1, *calls)
	assert.Empty(t, *sleeps)
}

func TestFetchReturnsLastErrorWhenExhausted(t *testing.T) {
	t.Parallel()

	e1 := &catalogue.FetchError{URL: "u", Kind: catalogue.KindTransient, Err: errors.New("first")}
	e2 := &catalogue.FetchError{URL: "u", Kind: catalogue.KindTransient, Err: errors.New("second")}
	f, calls, _ := newStubFetcher(Config{Retries: 1}, e1, e2)

	_, err := f.Fetch(context.Background(), catalogue.FetchRequest{URL: "u"})
	require.ErrorIs(t, err, e2)
	assert.Equal(t, 2, *calls)
}

func TestIsPageClosure(t *testing.T) {
	t.Parallel()

	assert.True(t, isPageClosure(errors.New("Target closed")))
	assert.True(t, isPageClosure(errors.New("websocket: close 1006")))
	assert.False(t, isPageClosure(context.DeadlineExceeded))
	assert.False(t, isPageClosure(fmt.Errorf("navigate: %w: context canceled", context.DeadlineExceeded)))
	assert.False(t, isPageClosure(nil))
}

func TestResponseMetaKeepsNavigationResponse(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  403,
			URL:     "https://www.canada.ca/en/page.html",
			Headers: network.Headers{"Set-Cookie": "a=1\nb=2", "CF-Ray": "abc"},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://frame.example"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 500},
	})

	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	assert.Equal(t, 403, status)
	assert.Equal(t, "https://www.canada.ca/en/page.html", url)
	assert.Equal(t, []string{"a=1", "b=2"}, headers.Values("Set-Cookie"))
	assert.Equal(t, "abc", headers.Get("CF-Ray"))

	empty := newResponseMeta()
	status, headers, url = empty.snapshotWithFallbacks("https://req", "https://final")
	assert.Equal(t, 200, status)
	assert.NotNil(t, headers)
	assert.Equal(t, "https://final", url)
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	h := toNetworkHeaders(http.Header{"X-Test": {"a", "b"}, "Empty": {}})
	assert.Equal(t, "a, b", h["X-Test"])
	_, ok := h["Empty"]
	assert.False(t, ok)
}

func TestBrowserCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	b := NewBrowser(BrowserConfig{UserAgent: "ua"}, nil)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	_, err := b.Acquire(context.Background())
	require.ErrorIs(t, err, ErrBrowserClosed)
}
