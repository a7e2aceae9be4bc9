// Package chunking splits extracted document text into bounded chunks.
// Chunk indexes are assigned in document order, starting at zero, across all
// sections of one call.
package chunking

import (
	"regexp"
	"strings"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
)

// Defaults used when a chunker is built with zero values.
const (
	DefaultChunkSize       = 1000
	DefaultChunkOverlap    = 200
	DefaultFallbackSize    = 3500
	DefaultFallbackOverlap = 400
)

// Chunker turns text into chunks. meta carries document level metadata such
// as the content code; chunkers copy the keys they understand.
type Chunker interface {
	Chunk(text string, meta map[string]any) []catalogue.Chunk
}

var headingLine = regexp.MustCompile(`^(#{1,3})\s+(.+?)\s*#*\s*$`)

type section struct {
	heading string
	body    string
	number  string
}

// SectionChunker splits Markdown on level 1-3 headings and packs each
// section greedily by words.
type SectionChunker struct {
	Size    int
	Overlap int
}

// NewSectionChunker builds a SectionChunker, defaulting non-positive values.
func NewSectionChunker(size, overlap int) *SectionChunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	return &SectionChunker{Size: size, Overlap: overlap}
}

// Chunk implements Chunker.
func (c *SectionChunker) Chunk(text string, meta map[string]any) []catalogue.Chunk {
	var out []catalogue.Chunk
	for _, sec := range splitHeadings(text) {
		out = c.pack(out, sec, baseMetadata(meta))
	}
	return out
}

// overlapWords is the number of trailing words carried into the next chunk:
// a tenth of the overlap budget.
func (c *SectionChunker) overlapWords() int {
	return c.Overlap / 10
}

// pack appends the chunks of one section to out, continuing its indexes.
func (c *SectionChunker) pack(out []catalogue.Chunk, sec section, meta map[string]any) []catalogue.Chunk {
	words := strings.Fields(sec.body)
	if len(words) == 0 {
		return out
	}

	var (
		current []string
		size    int
		fresh   int
	)
	emit := func() {
		chunkMeta := cloneMetadata(meta)
		if sec.number != "" {
			chunkMeta["section"] = sec.number
		}
		out = append(out, catalogue.Chunk{
			Content:        strings.Join(current, " "),
			SectionHeading: sec.heading,
			ChunkIndex:     len(out),
			Metadata:       chunkMeta,
		})
	}
	for _, w := range words {
		add := len(w)
		if len(current) > 0 {
			add++
		}
		if size+add > c.Size && fresh > 0 {
			emit()
			keep := c.overlapWords()
			if keep > len(current) {
				keep = len(current)
			}
			current = append([]string(nil), current[len(current)-keep:]...)
			size = len(strings.Join(current, " "))
			fresh = 0
			add = len(w)
			if len(current) > 0 {
				add++
			}
		}
		current = append(current, w)
		size += add
		fresh++
	}
	if fresh > 0 {
		emit()
	}
	return out
}

// splitHeadings cuts text at Markdown heading lines. Text without headings
// is a single section.
func splitHeadings(text string) []section {
	var (
		out []section
		cur section
		b   strings.Builder
	)
	flush := func() {
		cur.body = b.String()
		if strings.TrimSpace(cur.body) != "" {
			out = append(out, cur)
		}
		b.Reset()
	}
	for _, line := range strings.Split(text, "\n") {
		if m := headingLine.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			flush()
			cur = section{heading: m[2]}
			// The heading stays in the body so every chunk of the section
			// reads on its own.
			b.WriteString(m[2])
			b.WriteString("\n")
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	flush()
	return out
}

func baseMetadata(meta map[string]any) map[string]any {
	out := make(map[string]any, 2)
	for _, key := range []string{"content_code", "family"} {
		if v, ok := meta[key]; ok && v != "" {
			out[key] = v
		}
	}
	return out
}

func cloneMetadata(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	return out
}
