package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// articleSelector lists the main-article containers used by the publisher
// template, best first.
var articleSelector = []string{
	"[property='mainContentOfPage']",
	"main",
	"article",
	"#wb-cont",
	".mwsgeneric-base-html",
}

var datePatterns = map[string]*regexp.Regexp{
	"effective_date": regexp.MustCompile(`(?i)\b(?:effective|in effect|en vigueur)\b[^.\n]{0,20}?((?:\d{4}-\d{2}-\d{2})|(?:[A-Z][a-zé]+ \d{1,2}, \d{4})|(?:\d{1,2} [a-zéû]+ \d{4}))`),
	"revised_date":   regexp.MustCompile(`(?i)\b(?:revised|last updated|révisé|mis à jour)\b[^.\n]{0,20}?((?:\d{4}-\d{2}-\d{2})|(?:[A-Z][a-zé]+ \d{1,2}, \d{4})|(?:\d{1,2} [a-zéû]+ \d{4}))`),
}

// FamilyExtractor extracts pages of one document series. It mines the
// content code and dates, and prefers the template's article container
// over the readability heuristic.
type FamilyExtractor struct {
	family string
	code   func(text string) string
	base   *HTMLExtractor
}

// NewFamilyExtractor builds an extractor for family. code returns the
// canonical content code found in text, or "".
func NewFamilyExtractor(family string, code func(text string) string) *FamilyExtractor {
	return &FamilyExtractor{family: family, code: code, base: NewHTMLExtractor()}
}

// Extract implements the same contract as HTMLExtractor.Extract.
func (e *FamilyExtractor) Extract(body []byte, pageURL string) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}
	title := documentTitle(doc)
	meta := map[string]any{
		"type":   "html",
		"family": e.family,
		"url":    pageURL,
	}
	if modified := collapse(doc.Find(`time[property="dateModified"]`).First().Text()); modified != "" {
		meta["date_modified"] = modified
	}
	doc.Find(noiseSelector).Remove()

	var container *goquery.Selection
	for _, sel := range articleSelector {
		if found := doc.Find(sel).First(); found.Length() > 0 {
			container = found
			break
		}
	}
	var res Result
	if container != nil {
		text, err := e.base.toMarkdown(container)
		if err != nil {
			return Result{}, err
		}
		res = Result{Text: text, Title: title}
	}
	if strings.TrimSpace(res.Text) == "" {
		res, err = e.base.Extract(body, pageURL)
		if err != nil {
			return Result{}, err
		}
	}
	if res.Title == "" {
		res.Title = title
	}

	if e.code != nil {
		for _, candidate := range []string{title, pageURL, firstLines(res.Text, 5)} {
			if c := e.code(candidate); c != "" {
				meta["content_code"] = c
				break
			}
		}
	}
	head := firstLines(res.Text, 40)
	for key, re := range datePatterns {
		if m := re.FindStringSubmatch(head); m != nil {
			meta[key] = m[1]
		}
	}
	res.Metadata = meta
	return res, nil
}

func firstLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
