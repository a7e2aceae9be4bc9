// Package collyfetcher implements the plain HTTP client on top of gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
	"github.com/JakeFAU/catalogue-rag/internal/fetcher"
	"github.com/JakeFAU/catalogue-rag/internal/headless/detector"
	"github.com/JakeFAU/catalogue-rag/internal/logging"
	"github.com/JakeFAU/catalogue-rag/internal/metrics"
	"github.com/JakeFAU/catalogue-rag/internal/policy/ratelimit"
)

var errTooManyRedirects = errors.New("too many redirects")

// Config controls client behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	Retries       int
	RetryBackoff  time.Duration
	MaxBackoff    time.Duration
	MaxRetryAfter time.Duration
	MaxRedirects  int
	MaxBodyBytes  int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxRetryAfter <= 0 {
		c.MaxRetryAfter = time.Minute
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 50 << 20
	}
	return c
}

// Client implements catalogue.Fetcher with retries and per-hop redirect
// accounting. Attempts run through the rate limiter when one is set.
type Client struct {
	cfg           Config
	baseCollector *colly.Collector
	limiter       *ratelimit.Limiter
	backoff       fetcher.Backoff
	logger        *zap.Logger
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Client. limiter may be nil.
func New(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:     cfg,
		limiter: limiter,
		backoff: fetcher.Backoff{Base: cfg.RetryBackoff, Max: cfg.MaxBackoff},
		logger:  logger.Named("http"),
		now:     time.Now,
		sleep:   fetcher.Sleep,
	}

	base := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(cfg.MaxBodyBytes),
	)
	if cfg.UserAgent != "" {
		base.UserAgent = cfg.UserAgent
	}
	base.WithTransport(newHTTPTransport())
	base.SetRequestTimeout(cfg.Timeout)
	base.SetRedirectHandler(c.checkRedirect)
	c.baseCollector = base
	return c
}

// Fetch performs up to Retries+1 attempts. 429 and 503 honour Retry-After;
// other 5xx responses and timeouts back off exponentially. Remaining 4xx
// statuses, definitive blocks and redirect overflows fail immediately.
func (c *Client) Fetch(ctx context.Context, req catalogue.FetchRequest) (catalogue.FetchResponse, error) {
	attempts := c.cfg.Retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := ratelimit.Do(ctx, c.limiter, func(ctx context.Context) (catalogue.FetchResponse, error) {
			return c.visit(ctx, req)
		})
		if err == nil && resp.StatusCode < http.StatusBadRequest {
			return resp, nil
		}
		if err == nil {
			err = c.statusError(req.URL, resp, attempt == attempts-1)
		}
		lastErr = err
		if ctx.Err() != nil {
			return catalogue.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, ctx.Err())
		}
		if info, blocked := catalogue.AsBlock(err); blocked {
			metrics.ObserveBlock(string(info.Type))
			c.logger.Warn("fetch blocked",
				append(logging.BlockFields(*info), zap.String("url", req.URL))...,
			)
			return catalogue.FetchResponse{}, err
		}
		if !retryable(err) || attempt == attempts-1 {
			break
		}

		wait := c.backoff.Delay(attempt)
		if status := resp.StatusCode; status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
			if d, ok := fetcher.RetryAfter(resp.Headers, c.now(), c.cfg.MaxRetryAfter); ok {
				wait = d
			}
		}
		c.logger.Info("retrying fetch",
			zap.String("url", req.URL),
			zap.Int("status", resp.StatusCode),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return catalogue.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, err)
		}
	}
	c.logger.Warn("fetch failed", zap.String("url", req.URL), zap.Int("attempts", attempts), zap.Error(lastErr))
	return catalogue.FetchResponse{}, lastErr
}

// statusError wraps a response of 400 or above. Small denied responses
// carry the detector's block info: 401 and 403 at once, 429 and 503 only
// once no retries remain.
func (c *Client) statusError(url string, resp catalogue.FetchResponse, final bool) error {
	fe := catalogue.NewStatusError(url, resp.StatusCode)
	if !detector.IsBlockStatus(resp.StatusCode) {
		return fe
	}
	info, hard := detector.Inspect(resp.StatusCode, resp.Headers, resp.Body)
	if !hard || (fe.Kind == catalogue.KindTransient && !final) {
		return fe
	}
	info.DetectedAt = c.now()
	fe.Kind = catalogue.KindBlocked
	fe.Block = &info
	return fe
}

func retryable(err error) bool {
	var fe *catalogue.FetchError
	if errors.As(err, &fe) {
		return fe.Kind == catalogue.KindTransient
	}
	return false
}

// visit runs one attempt. Status codes of 400 and above come back as a
// response; transport failures come back as a *catalogue.FetchError.
func (c *Client) visit(ctx context.Context, req catalogue.FetchRequest) (catalogue.FetchResponse, error) {
	var (
		result   catalogue.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := c.baseCollector.Clone()
	c.configureCollectorHooks(collector, req, start, &result, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(req.URL)
	}()

	var err error
	select {
	case <-ctx.Done():
		return catalogue.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err = <-done:
	}
	if fetchErr != nil {
		err = fetchErr
	}
	metrics.ObserveFetch("http", req.URL, result.StatusCode, time.Since(start))
	if err != nil {
		return result, classifyTransportError(req.URL, err)
	}
	return result, nil
}

func classifyTransportError(url string, err error) error {
	var fe *catalogue.FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return &catalogue.FetchError{URL: url, Kind: catalogue.KindTransient, Err: err}
}

func (c *Client) configureCollectorHooks(
	hooks collectorHooks,
	request catalogue.FetchRequest,
	start time.Time,
	result *catalogue.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		finalURL := request.URL
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		*result = catalogue.FetchResponse{
			URL:        finalURL,
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			result.StatusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

// checkRedirect logs and counts each hop. via holds the requests already made.
func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	hop := len(via)
	origin := via[0].URL.String()
	if hop > c.cfg.MaxRedirects {
		return &catalogue.FetchError{
			URL:  origin,
			Kind: catalogue.KindRedirect,
			Err:  fmt.Errorf("%w: more than %d hops", errTooManyRedirects, c.cfg.MaxRedirects),
		}
	}
	c.logger.Debug("following redirect",
		zap.String("url", origin),
		zap.String("from", via[hop-1].URL.String()),
		zap.String("to", req.URL.String()),
		zap.Int("hop", hop),
	)
	return nil
}

func copyHeaders(request catalogue.FetchRequest, r *colly.Request) {
	if request.Headers == nil || r.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
	}
}
