package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor extracts per-page plain text from PDF bodies.
type PDFExtractor struct{}

// NewPDFExtractor builds a PDFExtractor.
func NewPDFExtractor() *PDFExtractor {
	return &PDFExtractor{}
}

// Extract reads every page of body. The document info title is used when
// fallbackTitle is empty.
func (e *PDFExtractor) Extract(body []byte, pageURL, fallbackTitle string) (res Result, err error) {
	// The pdf reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("read pdf %s: %v", pageURL, r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return Result{}, fmt.Errorf("open pdf %s: %w", pageURL, err)
	}

	total := reader.NumPage()
	var (
		pages []Page
		b     strings.Builder
	)
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return Result{}, fmt.Errorf("read pdf %s page %d: %w", pageURL, i, err)
		}
		text = tidy(text)
		if text == "" {
			continue
		}
		pages = append(pages, Page{Number: i, Text: text})
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}
	if b.Len() == 0 {
		return Result{}, fmt.Errorf("%s: %w", pageURL, ErrEmpty)
	}

	title := strings.TrimSpace(fallbackTitle)
	if title == "" {
		title = strings.TrimSpace(reader.Trailer().Key("Info").Key("Title").Text())
	}
	return Result{
		Text:  b.String(),
		Title: title,
		Pages: pages,
		Metadata: map[string]any{
			"type":       "pdf",
			"url":        pageURL,
			"page_count": total,
		},
	}, nil
}
