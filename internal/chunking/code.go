package chunking

import (
	"regexp"
	"strings"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
)

// sectionNumber matches a numbered section such as "1.4" or "## 2.10" at the
// start of a line.
var sectionNumber = regexp.MustCompile(`(?m)^(?:#{1,6}\s*)?(?:\*\*)?(\d+\.\d+)\.?\s+\S`)

// minNumberedSections is the number of numbered sections a text must carry
// before the numbering is trusted over headings.
const minNumberedSections = 2

// CodeChunker splits on the numbered-section scheme of folios, circulars and
// memoranda, and falls back to heading sections when a text is not numbered.
type CodeChunker struct {
	sections *SectionChunker
}

// NewCodeChunker builds a CodeChunker with the given word-packing budget.
func NewCodeChunker(size, overlap int) *CodeChunker {
	return &CodeChunker{sections: NewSectionChunker(size, overlap)}
}

// Chunk implements Chunker. Every chunk carries the document's content code
// when one is known, and its section number when the text is numbered.
func (c *CodeChunker) Chunk(text string, meta map[string]any) []catalogue.Chunk {
	locs := sectionNumber.FindAllStringSubmatchIndex(text, -1)
	if len(locs) < minNumberedSections {
		return c.sections.Chunk(text, meta)
	}

	base := baseMetadata(meta)
	var out []catalogue.Chunk
	if pre := text[:locs[0][0]]; strings.TrimSpace(pre) != "" {
		for _, sec := range splitHeadings(pre) {
			out = c.sections.pack(out, sec, base)
		}
	}
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := text[loc[0]:end]
		heading, _, _ := strings.Cut(body, "\n")
		heading = strings.TrimSpace(strings.TrimLeft(strings.ReplaceAll(heading, "**", ""), "# "))
		out = c.sections.pack(out, section{
			heading: heading,
			body:    body,
			number:  text[loc[2]:loc[3]],
		}, base)
	}
	return out
}
