package catalogue

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatusErrorKinds(t *testing.T) {
	t.Parallel()

	cases := map[int]FetchErrorKind{
		404: KindNotFound,
		410: KindNotFound,
		429: KindTransient,
		503: KindTransient,
		500: KindTransient,
		403: KindClient,
		400: KindClient,
	}
	for status, want := range cases {
		got := NewStatusError("https://example.com", status)
		assert.Equal(t, want, got.Kind, "status %d", status)
	}
}

func TestErrorHelpersSeeThroughWrapping(t *testing.T) {
	t.Parallel()

	notFound := fmt.Errorf("ingest: %w", NewStatusError("https://example.com/a", 410))
	require.True(t, IsNotFound(notFound))
	require.False(t, IsTransient(notFound))

	blocked := fmt.Errorf("discover: %w", &FetchError{
		URL:  "https://example.com/b",
		Kind: KindBlocked,
		Block: &BlockInfo{
			Type:   BlockWAFChallenge,
			Reason: "captcha wall",
		},
	})
	info, ok := AsBlock(blocked)
	require.True(t, ok)
	assert.Equal(t, BlockWAFChallenge, info.Type)
	assert.Contains(t, blocked.Error(), "captcha wall")

	_, ok = AsBlock(errors.New("plain"))
	assert.False(t, ok)
}

func TestMarkBlockedAndClear(t *testing.T) {
	t.Parallel()

	src := Source{IngestStatus: StatusPending}
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	src.MarkBlocked(BlockInfo{Type: BlockBotDetection, Reason: "waf", DetectedAt: at})

	require.True(t, src.IsBlocked())
	assert.Equal(t, StatusFailed, src.IngestStatus)
	assert.Equal(t, ErrorCodeBlocked, src.ErrorCode)
	assert.Equal(t, at, *src.BlockedAt)

	src.ClearBlock()
	assert.False(t, src.IsBlocked())
	assert.Nil(t, src.BlockSignature)
	assert.Empty(t, src.BlockType)
}

func TestApplyDefaultsKeepsBlockedDirectorySkipped(t *testing.T) {
	t.Parallel()

	src := Source{PageKind: PageKindDirectory}
	src.MarkBlocked(BlockInfo{Type: BlockGeneric403, Reason: "forbidden", DetectedAt: time.Now()})
	src.ApplyDefaults()

	assert.Equal(t, StatusSkipped, src.IngestStatus)
	assert.Equal(t, ErrorCodeBlocked, src.ErrorCode)
	assert.True(t, src.IsBlocked())
	assert.Equal(t, PriorityMedium, src.Priority)
}

func TestTruncateMessage(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", 700)
	got := TruncateMessage(long)
	assert.Equal(t, 500, len([]rune(got)))
	assert.Equal(t, "short", TruncateMessage("short"))
}
