package chunking

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
)

func words(n int, prefix string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(parts, " ")
}

func assertContiguous(t *testing.T, chunks []catalogue.Chunk) {
	t.Helper()
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
	}
}

func TestSectionChunkerIndexesAcrossSections(t *testing.T) {
	t.Parallel()

	text := "# Overview\n" + words(120, "alpha") + "\n\n## Details\n" + words(150, "beta") + "\n\n### Notes\nshort tail"
	c := NewSectionChunker(200, 100)
	chunks := c.Chunk(text, map[string]any{"content_code": "S1-F3-C1", "url": "ignored"})

	require.Greater(t, len(chunks), 3)
	assertContiguous(t, chunks)
	tolerance := c.Size + c.Overlap
	for i, ch := range chunks {
		if i < len(chunks)-1 {
			assert.LessOrEqual(t, len(ch.Content), tolerance, "chunk %d", i)
		}
		assert.Equal(t, "S1-F3-C1", ch.Metadata["content_code"])
		assert.NotContains(t, ch.Metadata, "url")
	}
	assert.Equal(t, "Overview", chunks[0].SectionHeading)
	assert.Equal(t, "Notes", chunks[len(chunks)-1].SectionHeading)
	assert.True(t, strings.HasPrefix(chunks[0].Content, "Overview alpha0"))
}

func TestSectionChunkerOverlap(t *testing.T) {
	t.Parallel()

	c := NewSectionChunker(60, 30)
	chunks := c.Chunk(words(40, "w"), nil)
	require.Greater(t, len(chunks), 1)

	for i := 1; i < len(chunks); i++ {
		prev := strings.Fields(chunks[i-1].Content)
		next := strings.Fields(chunks[i].Content)
		assert.Equal(t, prev[len(prev)-3:], next[:3], "chunk %d should start with the previous tail", i)
	}
}

func TestSectionChunkerWithoutHeadings(t *testing.T) {
	t.Parallel()

	chunks := NewSectionChunker(0, 0).Chunk("one paragraph with no headings at all", nil)
	require.Len(t, chunks, 1)
	assert.Empty(t, chunks[0].SectionHeading)
	assert.Equal(t, "one paragraph with no headings at all", chunks[0].Content)
}

func TestSectionChunkerBlank(t *testing.T) {
	t.Parallel()

	assert.Empty(t, NewSectionChunker(100, 10).Chunk(" \n\n ", nil))
}

func TestCodeChunkerSplitsNumberedSections(t *testing.T) {
	t.Parallel()

	text := "Income Tax Folio S1-F3-C1\n\n## 1.1 Overview\nThis Chapter discusses the deduction.\n\n## 1.2 Eligible child\nA child of the taxpayer.\n\n1.3 Payments\nPayments made to a relative."
	chunks := NewCodeChunker(500, 50).Chunk(text, map[string]any{"content_code": "S1-F3-C1"})

	require.Len(t, chunks, 4)
	assertContiguous(t, chunks)
	assert.NotContains(t, chunks[0].Metadata, "section")
	assert.Equal(t, "1.1", chunks[1].Metadata["section"])
	assert.Equal(t, "1.1 Overview", chunks[1].SectionHeading)
	assert.Equal(t, "1.2", chunks[2].Metadata["section"])
	assert.Equal(t, "1.3", chunks[3].Metadata["section"])
	assert.Equal(t, "1.3 Payments", chunks[3].SectionHeading)
	for _, ch := range chunks {
		assert.Equal(t, "S1-F3-C1", ch.Metadata["content_code"])
	}
}

func TestCodeChunkerFallsBackToHeadings(t *testing.T) {
	t.Parallel()

	text := "# Purpose\nThis circular explains relief.\n\n# Scope\nIt applies to individuals."
	chunks := NewCodeChunker(500, 50).Chunk(text, map[string]any{"content_code": "IC07-1R1"})

	require.Len(t, chunks, 2)
	assert.Equal(t, "Purpose", chunks[0].SectionHeading)
	assert.Equal(t, "IC07-1R1", chunks[1].Metadata["content_code"])
}

func TestFallbackChunksNeverEmpty(t *testing.T) {
	t.Parallel()

	cases := []string{
		"x",
		"short text",
		strings.Repeat("é", DefaultFallbackSize),
		strings.Repeat("abc ", 5000),
		"   padded   ",
	}
	for _, text := range cases {
		chunks := FallbackChunks(text, DefaultFallbackSize, DefaultFallbackOverlap)
		require.NotEmpty(t, chunks, "text of %d runes", len([]rune(text)))
		assertContiguous(t, chunks)
		for _, ch := range chunks {
			assert.LessOrEqual(t, len([]rune(ch.Content)), DefaultFallbackSize)
		}
	}
	assert.Empty(t, FallbackChunks("   ", DefaultFallbackSize, DefaultFallbackOverlap))
}

func TestFallbackChunksOverlap(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("0123456789", 10)
	chunks := FallbackChunks(text, 40, 10)

	require.Len(t, chunks, 3)
	assert.Equal(t, text[:40], chunks[0].Content)
	assert.Equal(t, text[30:70], chunks[1].Content)
	assert.Equal(t, text[60:], chunks[2].Content)
}
