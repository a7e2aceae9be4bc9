package app

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
	"github.com/JakeFAU/catalogue-rag/internal/config"
	"github.com/JakeFAU/catalogue-rag/internal/retrieval"
	"github.com/JakeFAU/catalogue-rag/internal/storage/memory"
)

const folioURL = "https://www.canada.ca/en/revenue-agency/services/tax/technical-information/income-tax/income-tax-folios-index" +
	"/series-1-individuals/folio-3-family-unit-issues/income-tax-folio-s1-f3-c1-child-care-expense-deduction.html"

const folioPage = `<html><head><title>Income Tax Folio S1-F3-C1, Child Care Expense Deduction - Canada.ca</title></head>
<body><main property="mainContentOfPage">
<h1>Income Tax Folio S1-F3-C1, Child Care Expense Deduction</h1>
<h2>1.1 Overview</h2>
<p>This Chapter discusses the deduction for child care expenses available to an individual.</p>
<h2>1.2 Eligible child</h2>
<p>An eligible child of a taxpayer means a child of the taxpayer or of the spouse.</p>
</main></body></html>`

type pageFetcher map[string]string

func (p pageFetcher) Fetch(_ context.Context, req catalogue.FetchRequest) (catalogue.FetchResponse, error) {
	body, ok := p[req.URL]
	if !ok {
		return catalogue.FetchResponse{}, catalogue.NewStatusError(req.URL, http.StatusNotFound)
	}
	return catalogue.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

type constProvider struct{}

func (constProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (constProvider) Model() string { return "const" }

func testConfig() config.Config {
	return config.Config{
		Crawler: config.CrawlerConfig{
			SeedURL:           "https://www.canada.ca/en/revenue-agency/services/forms-publications.html",
			RequestsPerSecond: 100,
			Timeout:           time.Second,
			MaxRedirects:      3,
			UserAgent:         "test-agent",
		},
		Headless:  config.HeadlessConfig{ClosureBackoffMultiplier: 2},
		Chunking:  config.ChunkingConfig{ChunkSize: 400, ChunkOverlap: 40, FallbackSize: 800, FallbackOverlap: 80},
		Embedding: config.EmbeddingConfig{Provider: config.ProviderOllama, BatchSize: 10},
		Retrieval: config.RetrievalConfig{TopK: 3},
	}
}

func TestNewDefaultsToMemoryRepository(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	_, isMemory := a.Repository().(*memory.Repository)
	assert.True(t, isMemory)
	assert.NotNil(t, a.Crawler())
	assert.NotNil(t, a.Discovery())
	assert.NotNil(t, a.Ingestion())
	assert.NotNil(t, a.Retrieval())
	assert.NoError(t, a.Ready(context.Background()))

	a.Close()
}

func TestNewWithHeadlessDoesNotLaunchBrowser(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Headless.Enabled = true
	cfg.Headless.NavTimeout = time.Second
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, a.browser)
	a.Close()
}

func TestNewRejectsUnusableProvider(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Embedding.Provider = config.ProviderOpenAI
	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)

	cfg.Embedding.Provider = "word2vec"
	_, err = New(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "word2vec")
}

func TestCrawledPDFWithHTMLVersionIsSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	const pubBase = "https://www.canada.ca/en/revenue-agency/services/forms-publications/publications/t4002"
	cfg := testConfig()
	cfg.Crawler.MaxDepth = 2
	a, err := New(ctx, cfg, nil,
		WithFetcher(pageFetcher{
			cfg.Crawler.SeedURL: `<a href="` + pubBase + `.html">T4002</a>`,
			pubBase + ".html": `<h1>T4002 Business and Professional Income</h1>
				<a href="` + pubBase + `/t4002-24e.html">HTML</a>
				<a href="` + pubBase + `/t4002-24e.pdf">PDF</a>`,
			pubBase + "/t4002-24e.html": `<h1>Business and Professional Income 2024</h1>`,
		}),
		WithProvider(constProvider{}),
	)
	require.NoError(t, err)
	defer a.Close()

	summary, err := a.Crawler().CrawlCatalogue(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.NewSources)

	pdf, err := a.Repository().FindSourceByNormalizedURL(ctx, pubBase+"/t4002-24e.pdf")
	require.NoError(t, err)
	require.NotEmpty(t, pdf.ParentSourceID)
	require.NoError(t, a.Ingestion().IngestSource(ctx, pdf.ID))

	pdf, err = a.Repository().GetSource(ctx, pdf.ID)
	require.NoError(t, err)
	assert.Equal(t, catalogue.StatusSkipped, pdf.IngestStatus)
	assert.Equal(t, catalogue.SkipReasonDuplicateHTML, pdf.ErrorMessage)
}

func TestPipelineIngestsAndRetrieves(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, err := New(ctx, testConfig(), nil,
		WithFetcher(pageFetcher{folioURL: folioPage}),
		WithProvider(constProvider{}),
	)
	require.NoError(t, err)
	defer a.Close()

	src, err := a.Repository().InsertSource(ctx, catalogue.Source{
		URL:           folioURL,
		NormalizedURL: folioURL,
		Category:      "folio",
	})
	require.NoError(t, err)
	require.NoError(t, a.Ingestion().IngestSource(ctx, src.ID))

	results, err := a.Retrieval().Retrieve(ctx, "S1-F3-C1 eligible child", retrieval.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.LessOrEqual(t, len(results), 3)
	assert.Equal(t, 1, results[0].Citation.Index)
	assert.Equal(t, folioURL, results[0].Citation.SourceURL)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
	assert.Greater(t, results[0].Score, results[0].Similarity)
}
