package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newRobotsServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestIsAllowedHonoursDisallow(t *testing.T) {
	t.Parallel()

	srv, hits := newRobotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /private\n")
	c := New(Config{UserAgent: "catalogue-bot"}, srv.Client(), nil)
	ctx := context.Background()

	assert.False(t, c.IsAllowed(ctx, srv.URL+"/private/page.html"))
	assert.True(t, c.IsAllowed(ctx, srv.URL+"/public/page.html"))
	assert.True(t, c.IsAllowed(ctx, srv.URL+"/"))
	assert.Equal(t, int32(1), hits.Load(), "robots.txt is fetched once per host")
}

func TestIsAllowedFailsOpen(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusNotFound, http.StatusInternalServerError, http.StatusForbidden} {
		srv, hits := newRobotsServer(t, status, "User-agent: *\nDisallow: /\n")
		c := New(Config{}, srv.Client(), nil)

		assert.True(t, c.IsAllowed(context.Background(), srv.URL+"/anything"), "status %d", status)
		assert.True(t, c.IsAllowed(context.Background(), srv.URL+"/else"), "status %d", status)
		assert.Equal(t, int32(1), hits.Load())
	}
}

func TestIsAllowedUnreachableHost(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := New(Config{}, nil, nil)
	assert.True(t, c.IsAllowed(context.Background(), addr+"/page"))
	assert.True(t, c.IsAllowed(context.Background(), "::not a url"))
}

func TestAllowAll(t *testing.T) {
	t.Parallel()
	assert.True(t, AllowAll{}.IsAllowed(context.Background(), "https://example.com/x"))
}
