package fetcher

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
)

// Fallback tries Primary (the browser) and, on any error, fetches the same
// URL with Secondary (plain HTTP). Either fetcher may be nil.
type Fallback struct {
	Primary   catalogue.Fetcher
	Secondary catalogue.Fetcher
	logger    *zap.Logger
}

// NewFallback builds a Fallback fetcher.
func NewFallback(primary, secondary catalogue.Fetcher, logger *zap.Logger) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{Primary: primary, Secondary: secondary, logger: logger.Named("fallback")}
}

var errNoFetcher = errors.New("fetcher: no fetcher configured")

// Fetch implements catalogue.Fetcher. When both fetchers fail and the
// browser saw a block, the block error wins so callers can record it.
func (f *Fallback) Fetch(ctx context.Context, req catalogue.FetchRequest) (catalogue.FetchResponse, error) {
	switch {
	case f.Primary == nil && f.Secondary == nil:
		return catalogue.FetchResponse{}, errNoFetcher
	case f.Primary == nil:
		return f.Secondary.Fetch(ctx, req)
	case f.Secondary == nil:
		return f.Primary.Fetch(ctx, req)
	}

	resp, primaryErr := f.Primary.Fetch(ctx, req)
	if primaryErr == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return catalogue.FetchResponse{}, primaryErr
	}
	f.logger.Info("browser fetch failed; falling back to http",
		zap.String("url", req.URL),
		zap.Error(primaryErr),
	)
	resp, err := f.Secondary.Fetch(ctx, req)
	if err == nil {
		return resp, nil
	}
	if _, blocked := catalogue.AsBlock(primaryErr); blocked {
		if _, alsoBlocked := catalogue.AsBlock(err); !alsoBlocked && !catalogue.IsNotFound(err) {
			return catalogue.FetchResponse{}, primaryErr
		}
	}
	return catalogue.FetchResponse{}, err
}
