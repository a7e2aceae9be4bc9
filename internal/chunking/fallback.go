package chunking

import (
	"strings"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
)

// FallbackChunks cuts text into fixed windows of size runes, each starting
// overlap runes before the previous one ended. Any text that is not blank
// yields at least one chunk.
func FallbackChunks(text string, size, overlap int) []catalogue.Chunk {
	if size <= 0 {
		size = DefaultFallbackSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	runes := []rune(text)
	step := size - overlap

	var out []catalogue.Chunk
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		content := strings.TrimSpace(string(runes[start:end]))
		if content != "" {
			out = append(out, catalogue.Chunk{
				Content:    content,
				ChunkIndex: len(out),
				Metadata:   map[string]any{"fallback": true},
			})
		}
		if end == len(runes) {
			break
		}
	}
	return out
}
