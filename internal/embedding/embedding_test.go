package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	vectors, _ := args.Get(0).([][]float32)
	return vectors, args.Error(1)
}

func (m *mockProvider) Model() string {
	return "test-model"
}

// indexProvider returns [position] vectors so order can be asserted.
type indexProvider struct {
	calls []int
	drop  bool
}

func (p *indexProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	p.calls = append(p.calls, len(texts))
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		out = append(out, []float32{float32(len(text))})
	}
	if p.drop {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (p *indexProvider) Model() string {
	return "index"
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = string(make([]byte, i+1))
	}
	return out
}

func TestEmbedBatchSplitsAndPreservesOrder(t *testing.T) {
	t.Parallel()

	p := &indexProvider{}
	svc := NewService(Config{}, p, nil)

	input := texts(250)
	vectors, err := svc.EmbedBatch(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, vectors, 250)
	assert.Equal(t, []int{100, 100, 50}, p.calls)
	for i, v := range vectors {
		assert.Equal(t, float32(i+1), v[0])
	}
}

func TestEmbedBatchCountMismatch(t *testing.T) {
	t.Parallel()

	svc := NewService(Config{BatchSize: 10}, &indexProvider{drop: true}, nil)
	vectors, err := svc.EmbedBatch(context.Background(), texts(5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCountMismatch))
	assert.Nil(t, vectors)
}

func TestEmbedBatchSubBatchFailureAbortsAll(t *testing.T) {
	t.Parallel()

	p := &mockProvider{}
	first := []string{"a", "b"}
	second := []string{"c"}
	p.On("Embed", mock.Anything, first).Return([][]float32{{1}, {2}}, nil).Once()
	p.On("Embed", mock.Anything, second).Return(nil, errors.New("provider down")).Once()

	svc := NewService(Config{BatchSize: 2}, p, nil)
	vectors, err := svc.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider down")
	assert.Nil(t, vectors)
	p.AssertExpectations(t)
}

func TestEmbedBatchRejectsEmptyVector(t *testing.T) {
	t.Parallel()

	p := &mockProvider{}
	p.On("Embed", mock.Anything, []string{"a", "b"}).Return([][]float32{{1}, nil}, nil)

	_, err := NewService(Config{}, p, nil).EmbedBatch(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, ErrCountMismatch)
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	t.Parallel()

	p := &mockProvider{}
	vectors, err := NewService(Config{}, p, nil).EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	p.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	p := &mockProvider{}
	p.On("Embed", mock.Anything, mock.Anything).Return(nil, errors.New("boom")).Times(2)

	svc := NewService(Config{BreakerFailures: 2}, p, nil)
	for range 2 {
		_, err := svc.Embed(context.Background(), "x")
		require.Error(t, err)
	}
	_, err := svc.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	p.AssertExpectations(t)
	assert.Equal(t, "test-model", svc.Model())
}
