// Package embedding batches texts through an embedding provider behind a
// circuit breaker and enforces one vector per input text, in input order.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalogue-rag/internal/metrics"
)

// DefaultBatchSize bounds the number of texts sent in one provider call.
const DefaultBatchSize = 100

// ErrCountMismatch is returned when a provider answers with a different
// number of vectors than texts it was given.
var ErrCountMismatch = errors.New("embedding: vector count mismatch")

// Provider is a remote embedding model.
type Provider interface {
	// Embed returns one vector per text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Model names the model that produced the vectors.
	Model() string
}

// Config tunes the Service.
type Config struct {
	BatchSize int
	// BreakerFailures is the number of consecutive provider failures that
	// open the breaker.
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open.
	BreakerTimeout time.Duration
}

// Service embeds texts in sequential sub-batches.
type Service struct {
	provider  Provider
	batchSize int
	breaker   *gobreaker.CircuitBreaker
	logger    *zap.Logger
}

// NewService wraps provider.
func NewService(cfg Config, provider Provider, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("embedding")
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedding-" + provider.Model(),
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedding breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Service{
		provider:  provider,
		batchSize: cfg.BatchSize,
		breaker:   breaker,
		logger:    logger,
	}
}

// Model names the provider model.
func (s *Service) Model() string {
	return s.provider.Model()
}

// EmbedBatch returns exactly len(texts) vectors in input order. Any failing
// sub-batch fails the whole call and no vectors are returned.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += s.batchSize {
		end := min(start+s.batchSize, len(texts))
		batch := texts[start:end]

		began := time.Now()
		res, err := s.breaker.Execute(func() (interface{}, error) {
			return s.provider.Embed(ctx, batch)
		})
		metrics.ObserveEmbeddingBatch(len(batch), time.Since(began))
		if err != nil {
			s.logger.Error("embedding sub-batch failed",
				zap.Int("offset", start),
				zap.Int("size", len(batch)),
				zap.Error(err))
			return nil, fmt.Errorf("embed texts %d-%d: %w", start, end-1, err)
		}
		vectors, _ := res.([][]float32)
		if err := checkVectors(vectors, len(batch)); err != nil {
			return nil, fmt.Errorf("embed texts %d-%d: %w", start, end-1, err)
		}
		out = append(out, vectors...)
	}
	if len(out) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrCountMismatch, len(out), len(texts))
	}
	return out, nil
}

// Embed returns the vector for a single text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func checkVectors(vectors [][]float32, want int) error {
	if len(vectors) != want {
		return fmt.Errorf("%w: got %d vectors for %d texts", ErrCountMismatch, len(vectors), want)
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("%w: empty vector at position %d", ErrCountMismatch, i)
		}
	}
	return nil
}
