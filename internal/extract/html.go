// Package extract turns fetched HTML and PDF bodies into Markdown text with
// structural metadata.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// ErrEmpty is returned when a document yields no text.
var ErrEmpty = errors.New("extract: no text found")

// Result is the normalized output of an extractor.
type Result struct {
	Text     string
	Title    string
	Metadata map[string]any
	// Pages holds per-page text for paginated formats.
	Pages []Page
}

// Page is the text of one PDF page. Number is 1-based.
type Page struct {
	Number int
	Text   string
}

// noiseSelector lists elements that never carry document text.
const noiseSelector = "script, style, noscript, nav, header, footer, aside, form, iframe, svg, " +
	"#wb-lng, #wb-srch, .gc-subway, .pagedetails, #wb-dtmd, [role='navigation']"

const minReadableChars = 200

var blankRuns = regexp.MustCompile(`\n{3,}`)

// HTMLExtractor converts generic catalogue pages.
type HTMLExtractor struct {
	conv *md.Converter
}

// NewHTMLExtractor builds an HTMLExtractor.
func NewHTMLExtractor() *HTMLExtractor {
	return &HTMLExtractor{conv: md.NewConverter("", true, nil)}
}

// Extract returns Markdown for the main content of body. When no main
// content block stands out, the stripped body is converted instead.
func (e *HTMLExtractor) Extract(body []byte, pageURL string) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}
	title := documentTitle(doc)
	doc.Find(noiseSelector).Remove()

	text := ""
	if main := readable(doc); main != nil {
		text, err = e.toMarkdown(main)
		if err != nil {
			return Result{}, err
		}
	}
	if strings.TrimSpace(text) == "" {
		text, err = e.toMarkdown(doc.Find("body"))
		if err != nil {
			return Result{}, err
		}
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, fmt.Errorf("%s: %w", pageURL, ErrEmpty)
	}
	return Result{
		Text:  text,
		Title: title,
		Metadata: map[string]any{
			"type": "html",
			"url":  pageURL,
		},
	}, nil
}

func (e *HTMLExtractor) toMarkdown(sel *goquery.Selection) (string, error) {
	if sel.Length() == 0 {
		return "", nil
	}
	fragment, err := goquery.OuterHtml(sel)
	if err != nil {
		return "", fmt.Errorf("render selection: %w", err)
	}
	out, err := e.conv.ConvertString(fragment)
	if err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return tidy(out), nil
}

// readable scores block elements by the paragraph text they directly hold,
// discounted by link density, and returns the best one. Nil means nothing
// cleared minReadableChars.
func readable(doc *goquery.Document) *goquery.Selection {
	scores := make(map[*html.Node]float64)
	var order []*html.Node
	credit := func(n *html.Node, v float64) {
		if n == nil || n.Type != html.ElementNode {
			return
		}
		if _, seen := scores[n]; !seen {
			order = append(order, n)
		}
		scores[n] += v
	}
	doc.Find("p, pre, li, td").Each(func(_ int, p *goquery.Selection) {
		n := float64(len(strings.TrimSpace(p.Text())))
		if n < 25 {
			return
		}
		parent := p.Parent()
		credit(parent.Get(0), n)
		if grand := parent.Parent(); grand.Length() > 0 {
			credit(grand.Get(0), n/2)
		}
	})

	var (
		best      *goquery.Selection
		bestScore float64
	)
	for _, n := range order {
		sel := doc.FindNodes(n)
		total := len(strings.TrimSpace(sel.Text()))
		if total < minReadableChars {
			continue
		}
		linkLen := len(strings.TrimSpace(sel.Find("a").Text()))
		score := scores[n] * (1 - float64(linkLen)/float64(total))
		if name := goquery.NodeName(sel); name == "article" || name == "main" {
			score *= 1.25
		}
		if best == nil || score > bestScore {
			best, bestScore = sel, score
		}
	}
	return best
}

func documentTitle(doc *goquery.Document) string {
	if h1 := collapse(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && strings.TrimSpace(og) != "" {
		return collapse(og)
	}
	title := collapse(doc.Find("title").First().Text())
	// Canada.ca titles carry a " - Canada.ca" suffix.
	if i := strings.LastIndex(title, " - "); i > 0 {
		title = title[:i]
	}
	return title
}

func tidy(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
