package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
)

type stubEmbedder struct {
	err error
}

func (e stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float32{0.1, 0.2}, nil
}

type mockSearcher struct {
	mock.Mock
}

func (m *mockSearcher) SearchChunks(ctx context.Context, vector []float32, limit int, category string) ([]catalogue.ChunkMatch, error) {
	args := m.Called(ctx, vector, limit, category)
	matches, _ := args.Get(0).([]catalogue.ChunkMatch)
	return matches, args.Error(1)
}

func match(id string, sim float64) catalogue.ChunkMatch {
	return catalogue.ChunkMatch{
		Chunk:       catalogue.Chunk{ID: id, Content: "content " + id},
		Similarity:  sim,
		SourceTitle: "title " + id,
		SourceURL:   "https://www.canada.ca/" + id + ".html",
		Priority:    catalogue.PriorityMedium,
	}
}

func TestRetrieveOrdersBySimilarityAndNumbersCitations(t *testing.T) {
	t.Parallel()

	s := &mockSearcher{}
	s.On("SearchChunks", mock.Anything, mock.Anything, 15, "").
		Return([]catalogue.ChunkMatch{match("a", 0.9), match("b", 0.95), match("c", 0.80)}, nil)

	got, err := NewService(stubEmbedder{}, s, Options{}, nil).Retrieve(context.Background(), "child care deduction", Options{})
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, []string{"b", "a", "c"}, []string{got[0].ChunkID, got[1].ChunkID, got[2].ChunkID})
	for i, r := range got {
		assert.Equal(t, i+1, r.Citation.Index)
	}
	assert.Equal(t, "title b", got[0].Citation.SourceTitle)
	assert.InDelta(t, 0.95, got[0].Score, 1e-9)
	s.AssertExpectations(t)
}

func TestRetrieveBoostsContentCodeHeadingAndPriority(t *testing.T) {
	t.Parallel()

	coded := match("coded", 0.80)
	coded.Chunk.Metadata = map[string]any{"content_code": "S1-F3-C1"}
	heading := match("heading", 0.80)
	heading.Chunk.SectionHeading = "1.2 Eligible child"
	high := match("high", 0.80)
	high.Priority = catalogue.PriorityHigh
	plain := match("plain", 0.83)

	s := &mockSearcher{}
	s.On("SearchChunks", mock.Anything, mock.Anything, 12, "folio").
		Return([]catalogue.ChunkMatch{plain, heading, high, coded}, nil)

	got, err := NewService(stubEmbedder{}, s, Options{}, nil).
		Retrieve(context.Background(), "Who is an eligible child under s1-f3-c1?", Options{TopK: 4, Category: "folio"})
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, "coded", got[0].ChunkID)
	assert.InDelta(t, 0.88, got[0].Score, 1e-9)
	assert.Equal(t, "heading", got[1].ChunkID)
	assert.Equal(t, "high", got[2].ChunkID, "equal scores and similarities fall back to chunk id")
	assert.Equal(t, "plain", got[3].ChunkID)
	assert.Equal(t, 4, got[3].Citation.Index)
}

func TestRetrieveAppliesMinSimilarityAndTopK(t *testing.T) {
	t.Parallel()

	s := &mockSearcher{}
	s.On("SearchChunks", mock.Anything, mock.Anything, 6, "").
		Return([]catalogue.ChunkMatch{match("a", 0.9), match("b", 0.7), match("c", 0.85), match("d", 0.2)}, nil)

	got, err := NewService(stubEmbedder{}, s, Options{MinSimilarity: 0.5}, nil).
		Retrieve(context.Background(), "query", Options{TopK: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ChunkID)
	assert.Equal(t, "c", got[1].ChunkID)
}

func TestRetrieveErrors(t *testing.T) {
	t.Parallel()

	svc := NewService(stubEmbedder{err: errors.New("down")}, &mockSearcher{}, Options{}, nil)
	_, err := svc.Retrieve(context.Background(), "query", Options{})
	assert.ErrorContains(t, err, "down")

	_, err = svc.Retrieve(context.Background(), "   ", Options{})
	assert.Error(t, err)

	s := &mockSearcher{}
	s.On("SearchChunks", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("db gone"))
	_, err = NewService(stubEmbedder{}, s, Options{}, nil).Retrieve(context.Background(), "query", Options{})
	assert.ErrorContains(t, err, "db gone")
}
