package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
	"github.com/JakeFAU/catalogue-rag/internal/fetcher"
	"github.com/JakeFAU/catalogue-rag/internal/headless/detector"
	"github.com/JakeFAU/catalogue-rag/internal/logging"
	"github.com/JakeFAU/catalogue-rag/internal/metrics"
	"github.com/JakeFAU/catalogue-rag/internal/policy/ratelimit"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// PostLoadDelay is waited after the body is ready, and half of it again
	// after the synthetic mouse movement.
	PostLoadDelay time.Duration
	Retries       int
	RetryBackoff  time.Duration
	// ClosureBackoffMultiplier scales the backoff after the page was closed
	// under us, which usually means active bot defenses.
	ClosureBackoffMultiplier float64
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.PostLoadDelay < 0 {
		c.PostLoadDelay = 0
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.ClosureBackoffMultiplier <= 0 {
		c.ClosureBackoffMultiplier = 2
	}
	return c
}

// Fetcher implements catalogue.Fetcher with headless Chrome.
type Fetcher struct {
	cfg     Config
	browser *Browser
	limiter *ratelimit.Limiter
	backoff fetcher.Backoff
	logger  *zap.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	attempt func(ctx context.Context, request catalogue.FetchRequest) (catalogue.FetchResponse, error)
}

// NewFetcher builds a Fetcher on a shared Browser. limiter may be nil.
func NewFetcher(cfg Config, browser *Browser, limiter *ratelimit.Limiter, logger *zap.Logger) *Fetcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		cfg:     cfg,
		browser: browser,
		limiter: limiter,
		backoff: fetcher.Backoff{Base: cfg.RetryBackoff, Max: time.Minute},
		logger:  logger.Named("headless"),
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   fetcher.Sleep,
	}
	f.attempt = f.fetchOnce
	return f
}

// Fetch renders the page, retrying timeouts and page closures. Definitive
// blocks abort at once with the block attached to the error.
func (f *Fetcher) Fetch(ctx context.Context, request catalogue.FetchRequest) (catalogue.FetchResponse, error) {
	attempts := f.cfg.Retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := ratelimit.Do(ctx, f.limiter, func(ctx context.Context) (catalogue.FetchResponse, error) {
			return f.attempt(ctx, request)
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return catalogue.FetchResponse{}, fmt.Errorf("headless fetch %s: %w", request.URL, ctx.Err())
		}
		if info, blocked := catalogue.AsBlock(err); blocked {
			metrics.ObserveBlock(string(info.Type))
			f.logger.Warn("fetch blocked",
				append(logging.BlockFields(*info), zap.String("url", request.URL))...,
			)
			return catalogue.FetchResponse{}, err
		}
		if !catalogue.IsTransient(err) || attempt == attempts-1 {
			break
		}
		backoff := f.backoff
		if isPageClosure(err) {
			backoff = backoff.Scaled(f.cfg.ClosureBackoffMultiplier)
		}
		wait := backoff.Delay(attempt)
		f.logger.Info("retrying headless fetch",
			zap.String("url", request.URL),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if err := f.sleep(ctx, wait); err != nil {
			return catalogue.FetchResponse{}, fmt.Errorf("headless fetch %s: %w", request.URL, err)
		}
	}
	return catalogue.FetchResponse{}, lastErr
}

// fetchOnce opens one tab, renders, and closes the tab on every path.
func (f *Fetcher) fetchOnce(ctx context.Context, request catalogue.FetchRequest) (catalogue.FetchResponse, error) {
	browserCtx, err := f.browser.Acquire(ctx)
	if err != nil {
		return catalogue.FetchResponse{}, fmt.Errorf("acquire browser: %w", err)
	}

	tabCtx, closeTab := chromedp.NewContext(browserCtx)
	defer closeTab()

	taskCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.render(taskCtx, request)
	if err != nil {
		metrics.ObserveFetch("headless", request.URL, 0, time.Since(start))
		return catalogue.FetchResponse{}, &catalogue.FetchError{URL: request.URL, Kind: catalogue.KindTransient, Err: err}
	}
	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, finalURL)
	metrics.ObserveFetch("headless", request.URL, status, time.Since(start))

	return evaluate(catalogue.FetchResponse{
		URL:          responseURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, f.now())
}

// evaluate turns a rendered response into a result. Denied statuses are
// fingerprinted; a denied page that still carries publisher content is
// accepted as a 200.
func evaluate(resp catalogue.FetchResponse, now time.Time) (catalogue.FetchResponse, error) {
	status := resp.StatusCode
	if detector.IsBlockStatus(status) {
		info, hard := detector.Inspect(status, resp.Headers, resp.Body)
		info.DetectedAt = now
		if hard {
			return catalogue.FetchResponse{}, &catalogue.FetchError{
				URL:        resp.URL,
				StatusCode: status,
				Kind:       catalogue.KindBlocked,
				Block:      &info,
			}
		}
		if detector.HasContentMarkers(resp.Body) && !detector.LooksLikeErrorPage(resp.Body) {
			resp.StatusCode = http.StatusOK
			return resp, nil
		}
		fe := catalogue.NewStatusError(resp.URL, status)
		if fe.Kind == catalogue.KindClient {
			fe.Kind = catalogue.KindBlocked
			fe.Block = &info
		}
		return catalogue.FetchResponse{}, fe
	}
	if status >= http.StatusBadRequest {
		return catalogue.FetchResponse{}, catalogue.NewStatusError(resp.URL, status)
	}
	return resp, nil
}

func (f *Fetcher) render(ctx context.Context, request catalogue.FetchRequest) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	settle := f.cfg.PostLoadDelay
	actions := []chromedp.Action{
		f.networkSetupAction(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settle),
		chromedp.MouseEvent(input.MouseMoved, 240, 180),
		chromedp.MouseEvent(input.MouseMoved, 520, 410),
		chromedp.Sleep(settle / 2),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

// stealthScript hides the common automation tells before page scripts run.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
Object.defineProperty(navigator, 'languages', {get: () => ['en-CA', 'en', 'fr-CA']});
Object.defineProperty(navigator, 'plugins', {get: () => [1, 2, 3, 4, 5]});
window.chrome = window.chrome || {runtime: {}};
`

func (f *Fetcher) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			override := emulation.SetUserAgentOverride(f.cfg.UserAgent).
				WithAcceptLanguage("en-CA,en;q=0.9,fr-CA;q=0.8")
			if err := override.Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx); err != nil {
			return fmt.Errorf("install stealth script: %w", err)
		}
		extra := http.Header{}
		extra.Set("Accept-Language", "en-CA,en;q=0.9,fr-CA;q=0.8")
		extra.Set("Upgrade-Insecure-Requests", "1")
		for k, vals := range headers {
			extra[k] = append([]string(nil), vals...)
		}
		if err := network.SetExtraHTTPHeaders(toNetworkHeaders(extra)).Do(ctx); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
		return nil
	})
}

// closureMarkers match errors raised when the tab disappears mid-render.
var closureMarkers = []string{
	"target closed",
	"page closed",
	"session closed",
	"websocket: close",
	"context canceled",
	"channel closed",
}

func isPageClosure(err error) bool {
	if err == nil || fetcher.IsTimeout(err) {
		return false
	}
	if errors.Is(err, chromedp.ErrChannelClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range closureMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			// Chrome folds repeated headers into one newline-separated value.
			for _, part := range strings.Split(v, "\n") {
				headers.Add(key, part)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// The first document response is the navigation; later ones are frames.
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()

	switch {
	case finalURL != "":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		headers[key] = strings.Join(values, ", ")
	}
	return headers
}
