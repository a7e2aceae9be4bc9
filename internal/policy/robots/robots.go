// Package robots answers robots.txt permission checks per host.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// Config controls robots fetching.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Checker caches one robots.txt per host for its lifetime. Any failure to
// obtain or parse the file allows the URL.
type Checker struct {
	client    *http.Client
	userAgent string
	cache     sync.Map
	inflight  sync.Mutex
	logger    *zap.Logger
}

// New builds a Checker.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Checker{
		client:    client,
		userAgent: cfg.UserAgent,
		logger:    logger.Named("robots"),
	}
}

// entry is nil data for hosts that fail open.
type entry struct {
	data *robotstxt.RobotsData
}

// IsAllowed reports whether rawURL may be fetched.
func (c *Checker) IsAllowed(ctx context.Context, rawURL string) bool {
	if c == nil {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return true
	}
	e := c.load(ctx, parsed)
	if e.data == nil {
		return true
	}
	group := e.data.FindGroup(c.userAgent)
	if group == nil {
		return true
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return group.Test(target)
}

func (c *Checker) load(ctx context.Context, parsed *url.URL) entry {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if cached, ok := c.cache.Load(hostKey); ok {
		return cached.(entry)
	}

	// Serialize first fetches so concurrent callers share one request.
	c.inflight.Lock()
	defer c.inflight.Unlock()
	if cached, ok := c.cache.Load(hostKey); ok {
		return cached.(entry)
	}

	data, err := c.fetch(ctx, parsed)
	if err != nil {
		c.logger.Warn("robots unavailable; allowing host", zap.String("host", parsed.Host), zap.Error(err))
	}
	e := entry{data: data}
	c.cache.Store(hostKey, e)
	return e
}

func (c *Checker) fetch(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("robots status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

// AllowAll is a policy used when robots checks are disabled.
type AllowAll struct{}

// IsAllowed always returns true.
func (AllowAll) IsAllowed(context.Context, string) bool { return true }
