package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalogue-rag/internal/app"
	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
	"github.com/JakeFAU/catalogue-rag/internal/config"
	"github.com/JakeFAU/catalogue-rag/internal/ingestion"
	"github.com/JakeFAU/catalogue-rag/internal/retrieval"
	"github.com/JakeFAU/catalogue-rag/internal/storage/memory"
)

const guideURL = "https://www.canada.ca/en/revenue-agency/services/forms-publications/publications/t4002/business-professional-income.html"

const guidePage = `<html><head><title>Business and Professional Income - Canada.ca</title></head>
<body><main property="mainContentOfPage">
<h1>Business and Professional Income</h1>
<h2>Chapter 1 General information</h2>
<p>This guide explains how to calculate business and professional income for the year.</p>
<h2>Chapter 2 Expenses</h2>
<p>You can deduct expenses you incur to earn business income.</p>
</main></body></html>`

type pageFetcher map[string]string

func (p pageFetcher) Fetch(_ context.Context, req catalogue.FetchRequest) (catalogue.FetchResponse, error) {
	body, ok := p[req.URL]
	if !ok {
		return catalogue.FetchResponse{}, catalogue.NewStatusError(req.URL, http.StatusNotFound)
	}
	return catalogue.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

type unitProvider struct{}

func (unitProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0, 1}
	}
	return out, nil
}

func (unitProvider) Model() string { return "unit" }

// useTestApp makes the root command build its App on repo with canned
// pages and a constant embedding provider.
func useTestApp(t *testing.T, repo *memory.Repository) {
	t.Helper()
	prev := newApp
	t.Cleanup(func() { newApp = prev })
	newApp = func(ctx context.Context, cfg config.Config, _ *zap.Logger) (*app.App, error) {
		cfg.Crawler.RespectRobots = false
		return app.New(ctx, cfg, zap.NewNop(),
			app.WithRepository(repo),
			app.WithFetcher(pageFetcher{guideURL: guidePage}),
			app.WithProvider(unitProvider{}),
		)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestIngestAndRetrieveCommands(t *testing.T) {
	t.Setenv("CATALOGUE_LOGGING_DEVELOPMENT", "false")
	repo := memory.New(nil, nil)
	src, err := repo.InsertSource(context.Background(), catalogue.Source{
		URL:           guideURL,
		NormalizedURL: guideURL,
		Category:      "guides",
	})
	require.NoError(t, err)
	useTestApp(t, repo)

	out, err := run(t, "ingest", src.ID)
	require.NoError(t, err)
	var status map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, string(catalogue.StatusIngested), status["ingest_status"])

	out, err = run(t, "retrieve", "--top-k", "1", "business", "expenses")
	require.NoError(t, err)
	var results []retrieval.RetrievedChunk
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Equal(t, guideURL, results[0].Citation.SourceURL)
	assert.Equal(t, 1, results[0].Citation.Index)
}

func TestIngestBatchCommandReportsSummary(t *testing.T) {
	t.Setenv("CATALOGUE_LOGGING_DEVELOPMENT", "false")
	repo := memory.New(nil, nil)
	ctx := context.Background()
	_, err := repo.InsertSource(ctx, catalogue.Source{URL: guideURL, NormalizedURL: guideURL})
	require.NoError(t, err)
	gone := "https://www.canada.ca/en/revenue-agency/services/forms-publications/publications/t4002/removed.html"
	_, err = repo.InsertSource(ctx, catalogue.Source{URL: gone, NormalizedURL: gone})
	require.NoError(t, err)
	useTestApp(t, repo)

	out, err := run(t, "ingest-batch")
	require.NoError(t, err)
	var summary ingestion.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.Failed)
}

func TestCommandsRejectBadArguments(t *testing.T) {
	t.Setenv("CATALOGUE_LOGGING_DEVELOPMENT", "false")
	useTestApp(t, memory.New(nil, nil))

	_, err := run(t, "ingest")
	require.Error(t, err)

	_, err = run(t, "discover", "missing-id")
	require.Error(t, err)
}

func TestRootFailsOnInvalidConfig(t *testing.T) {
	t.Setenv("CATALOGUE_LOGGING_DEVELOPMENT", "false")
	t.Setenv("CATALOGUE_EMBEDDING_PROVIDER", "word2vec")
	useTestApp(t, memory.New(nil, nil))

	_, err := run(t, "retrieve", "anything")
	require.ErrorContains(t, err, "embedding.provider")
}

func TestResolveAppWithoutApp(t *testing.T) {
	_, err := resolveApp(context.Background())
	require.Error(t, err)
}
