package ingestion

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
)

// Filter selects the sources of a batch. Without a Limit, sources already
// ingested are left out.
type Filter struct {
	Category   string
	SourceType catalogue.SourceType
	Priority   catalogue.Priority
	Limit      int
}

// Summary aggregates a batch run.
type Summary struct {
	Total      int      `json:"total"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Skipped    int      `json:"skipped"`
	Errors     []string `json:"errors,omitempty"`
}

// IngestBatch ingests every matching source in order. Individual failures
// are collected in the summary; only listing errors and cancellation are
// returned.
func (s *Service) IngestBatch(ctx context.Context, f Filter) (Summary, error) {
	filter := catalogue.SourceFilter{
		Category:   f.Category,
		SourceType: f.SourceType,
		Priority:   f.Priority,
		Limit:      f.Limit,
	}
	if f.Limit <= 0 {
		filter.Statuses = []catalogue.IngestStatus{
			catalogue.StatusPending,
			catalogue.StatusFailed,
			catalogue.StatusSkipped,
		}
	}
	sources, err := s.repo.ListSources(ctx, filter)
	if err != nil {
		return Summary{}, fmt.Errorf("list sources: %w", err)
	}

	summary := Summary{Total: len(sources)}
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("ingest batch: %w", err)
		}
		ingestErr := s.IngestSource(ctx, src.ID)
		if ingestErr != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", src.NormalizedURL, ingestErr))
			continue
		}
		after, err := s.repo.GetSource(ctx, src.ID)
		if err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", src.NormalizedURL, err))
			continue
		}
		switch after.IngestStatus {
		case catalogue.StatusIngested:
			summary.Successful++
		case catalogue.StatusSkipped:
			summary.Skipped++
		default:
			summary.Failed++
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("%s: ended in status %s", src.NormalizedURL, after.IngestStatus))
		}
	}
	s.logger.Info("ingest batch finished",
		zap.Int("total", summary.Total),
		zap.Int("successful", summary.Successful),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
	)
	return summary, nil
}
