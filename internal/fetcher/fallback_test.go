package fetcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
)

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) Fetch(ctx context.Context, req catalogue.FetchRequest) (catalogue.FetchResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(catalogue.FetchResponse)
	return resp, args.Error(1)
}

func TestFallbackPrefersPrimary(t *testing.T) {
	t.Parallel()

	primary, secondary := new(MockFetcher), new(MockFetcher)
	req := catalogue.FetchRequest{URL: "https://www.canada.ca/a.html"}
	primary.On("Fetch", mock.Anything, req).Return(catalogue.FetchResponse{StatusCode: 200, UsedHeadless: true}, nil)

	resp, err := NewFallback(primary, secondary, nil).Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.UsedHeadless)
	secondary.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestFallbackUsesSecondaryOnAnyError(t *testing.T) {
	t.Parallel()

	primary, secondary := new(MockFetcher), new(MockFetcher)
	req := catalogue.FetchRequest{URL: "https://www.canada.ca/a.html"}
	primary.On("Fetch", mock.Anything, req).Return(catalogue.FetchResponse{}, errors.New("launch browser: no chrome"))
	secondary.On("Fetch", mock.Anything, req).Return(catalogue.FetchResponse{StatusCode: 200, Body: []byte("http")}, nil)

	resp, err := NewFallback(primary, secondary, nil).Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "http", string(resp.Body))
	primary.AssertExpectations(t)
	secondary.AssertExpectations(t)
}

func TestFallbackKeepsBlockWhenBothFail(t *testing.T) {
	t.Parallel()

	primary, secondary := new(MockFetcher), new(MockFetcher)
	req := catalogue.FetchRequest{URL: "https://www.canada.ca/a.html"}
	block := &catalogue.FetchError{URL: req.URL, Kind: catalogue.KindBlocked, Block: &catalogue.BlockInfo{Type: catalogue.BlockWAFChallenge}}
	primary.On("Fetch", mock.Anything, req).Return(catalogue.FetchResponse{}, block)
	secondary.On("Fetch", mock.Anything, req).Return(catalogue.FetchResponse{}, catalogue.NewStatusError(req.URL, 403))

	_, err := NewFallback(primary, secondary, nil).Fetch(context.Background(), req)
	info, ok := catalogue.AsBlock(err)
	require.True(t, ok)
	assert.Equal(t, catalogue.BlockWAFChallenge, info.Type)
}

func TestFallbackNotFoundFromSecondaryWins(t *testing.T) {
	t.Parallel()

	primary, secondary := new(MockFetcher), new(MockFetcher)
	req := catalogue.FetchRequest{URL: "https://www.canada.ca/gone.html"}
	primary.On("Fetch", mock.Anything, req).Return(catalogue.FetchResponse{}, &catalogue.FetchError{Kind: catalogue.KindBlocked, Block: &catalogue.BlockInfo{}})
	secondary.On("Fetch", mock.Anything, req).Return(catalogue.FetchResponse{}, catalogue.NewStatusError(req.URL, 410))

	_, err := NewFallback(primary, secondary, nil).Fetch(context.Background(), req)
	assert.True(t, catalogue.IsNotFound(err))
}

func TestFallbackSingleFetcher(t *testing.T) {
	t.Parallel()

	only := new(MockFetcher)
	req := catalogue.FetchRequest{URL: "https://x"}
	only.On("Fetch", mock.Anything, req).Return(catalogue.FetchResponse{StatusCode: 200}, nil)

	_, err := NewFallback(nil, only, nil).Fetch(context.Background(), req)
	require.NoError(t, err)
	_, err = NewFallback(only, nil, nil).Fetch(context.Background(), req)
	require.NoError(t, err)
	_, err = NewFallback(nil, nil, nil).Fetch(context.Background(), req)
	require.ErrorIs(t, err, errNoFetcher)
}
