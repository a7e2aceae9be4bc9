// Package discovery classifies catalogue pages and expands directory pages
// into child sources, one document family at a time.
package discovery

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
)

// Family captures the URL and markup conventions of one document series.
type Family interface {
	Name() string
	// SourceType maps a page kind to the family's stored source type.
	SourceType(kind catalogue.PageKind) catalogue.SourceType
	// Owns reports whether a source of this type or URL belongs to the family.
	Owns(src catalogue.Source) bool
	// Classify inspects a fetched page.
	Classify(doc *goquery.Document, pageURL string) catalogue.PageKind
	// IsIndexPath reports whether the URL is one of the family's listings.
	IsIndexPath(rawURL string) bool
	// ClassifyLink infers a page kind from an unfetched link. ok is false
	// when the link is not part of the family.
	ClassifyLink(rawURL string) (kind catalogue.PageKind, ok bool)
	// ContentCode returns the canonical code found in text, or "".
	ContentCode(text string) string
}

// PatternFamily is a Family described entirely by regular expressions.
type PatternFamily struct {
	name          string
	directoryType catalogue.SourceType
	contentType   catalogue.SourceType
	// directoryTitle matches headings of listing pages.
	directoryTitle *regexp.Regexp
	indexPath      *regexp.Regexp
	directoryLink  *regexp.Regexp
	// pathCode finds the content code in a URL path, textCode in prose.
	pathCode   *regexp.Regexp
	textCode   *regexp.Regexp
	formatCode func(match []string) string
	// sectionNumber matches numbered section headings such as "1.4".
	sectionNumber *regexp.Regexp
	linkThreshold int
}

var (
	tocSelector       = ".toc, #toc, nav.toc, [class*='table-of-contents'], [id*='table-of-contents']"
	containerSelector = "main, article, [property='mainContentOfPage'], .mwsgeneric-base-html, #wb-cont"
	tocHeading        = regexp.MustCompile(`(?i)\btable of contents\b|\btable des matières\b`)
	defaultSection    = regexp.MustCompile(`^\s*\d+\.\d+`)
)

// FolioFamily describes the Income Tax Folio series (codes like S1-F3-C1).
func FolioFamily() *PatternFamily {
	code := regexp.MustCompile(`(?i)\bs(\d+)-f(\d+)-c(\d+)\b`)
	return &PatternFamily{
		name:           "folio",
		directoryType:  catalogue.SourceTypeFolioDirectory,
		contentType:    catalogue.SourceTypeFolioContent,
		directoryTitle: regexp.MustCompile(`(?i)\bincome tax folios\b|^\s*series \d+\b|^\s*folio \d+\b`),
		indexPath:      regexp.MustCompile(`(?i)/income-tax-folios-index(/|\.html|$)`),
		directoryLink:  regexp.MustCompile(`(?i)/income-tax-folios-index(/series-\d+[a-z0-9-]*)?(/folio-\d+[a-z0-9-]*)?(\.html)?$`),
		pathCode:       code,
		textCode:       code,
		formatCode: func(m []string) string {
			return "S" + m[1] + "-F" + m[2] + "-C" + m[3]
		},
		sectionNumber: defaultSection,
		linkThreshold: 5,
	}
}

// CircularFamily describes Information Circulars (codes like IC07-1R1).
func CircularFamily() *PatternFamily {
	code := regexp.MustCompile(`(?i)\bic\s?(\d{2})-(\d+)(r\d+)?\b`)
	return &PatternFamily{
		name:           "circular",
		directoryType:  catalogue.SourceTypeCircularDirectory,
		contentType:    catalogue.SourceTypeCircularContent,
		directoryTitle: regexp.MustCompile(`(?i)\binformation circulars\b`),
		indexPath:      regexp.MustCompile(`(?i)/information-circulars(/|\.html|$)`),
		directoryLink:  regexp.MustCompile(`(?i)/information-circulars(/[a-z-]+)?(\.html)?$`),
		pathCode:       code,
		textCode:       code,
		formatCode: func(m []string) string {
			return "IC" + m[1] + "-" + m[2] + strings.ToUpper(m[3])
		},
		sectionNumber: regexp.MustCompile(`^\s*\d+\.?\s`),
		linkThreshold: 5,
	}
}

// MemoFamily describes the GST/HST memoranda series (codes like 19-1-2).
func MemoFamily() *PatternFamily {
	return &PatternFamily{
		name:           "memo",
		directoryType:  catalogue.SourceTypeMemoDirectory,
		contentType:    catalogue.SourceTypeMemoContent,
		directoryTitle: regexp.MustCompile(`(?i)\bgst/hst memoranda\b|^\s*chapter \d+\b`),
		indexPath:      regexp.MustCompile(`(?i)/gst-hst-memoranda-series(/|\.html|$)`),
		directoryLink:  regexp.MustCompile(`(?i)/gst-hst-memoranda-series(/[a-z0-9-]*chapter-?\d+[a-z0-9-]*)?(\.html)?$`),
		pathCode:       regexp.MustCompile(`(?i)/gst-hst-memoranda-series/(?:[a-z0-9-]+/)*(?:[a-z-]*-)?(\d{1,2})-(\d{1,2})(?:-(\d{1,2}))?(?:\.html|\.pdf)?$`),
		textCode:       regexp.MustCompile(`(?i)\bmemorandum\s+(\d{1,2})-(\d{1,2})(?:-(\d{1,2}))?\b`),
		formatCode: func(m []string) string {
			code := m[1] + "-" + m[2]
			if m[3] != "" {
				code += "-" + m[3]
			}
			return code
		},
		sectionNumber: defaultSection,
		linkThreshold: 5,
	}
}

// DefaultFamilies returns every built-in family.
func DefaultFamilies() []Family {
	return []Family{FolioFamily(), CircularFamily(), MemoFamily()}
}

// Name implements Family.
func (f *PatternFamily) Name() string { return f.name }

// SourceType implements Family.
func (f *PatternFamily) SourceType(kind catalogue.PageKind) catalogue.SourceType {
	if kind == catalogue.PageKindDirectory {
		return f.directoryType
	}
	return f.contentType
}

// Owns implements Family.
func (f *PatternFamily) Owns(src catalogue.Source) bool {
	if src.SourceType == f.directoryType || src.SourceType == f.contentType {
		return true
	}
	if f.IsIndexPath(src.NormalizedURL) {
		return true
	}
	_, ok := f.ClassifyLink(src.NormalizedURL)
	return ok
}

// IsIndexPath implements Family.
func (f *PatternFamily) IsIndexPath(rawURL string) bool {
	return f.indexPath.MatchString(urlPath(rawURL))
}

// ClassifyLink implements Family. A content code wins over a directory
// shape when both match.
func (f *PatternFamily) ClassifyLink(rawURL string) (catalogue.PageKind, bool) {
	p := urlPath(rawURL)
	if p == "" {
		return catalogue.PageKindUnknown, false
	}
	if f.pathCode.MatchString(p) {
		return catalogue.PageKindContent, true
	}
	if f.directoryLink.MatchString(p) {
		return catalogue.PageKindDirectory, true
	}
	return catalogue.PageKindUnknown, false
}

// ContentCode implements Family.
func (f *PatternFamily) ContentCode(text string) string {
	if m := f.textCode.FindStringSubmatch(text); m != nil {
		return f.formatCode(m)
	}
	if m := f.pathCode.FindStringSubmatch(text); m != nil {
		return f.formatCode(m)
	}
	return ""
}

// Classify implements Family.
func (f *PatternFamily) Classify(doc *goquery.Document, pageURL string) catalogue.PageKind {
	heading := headingText(doc)
	if f.looksLikeContent(doc, heading, pageURL) {
		return catalogue.PageKindContent
	}
	if f.directoryTitle.MatchString(heading) &&
		(f.countFamilyLinks(doc, pageURL) > f.linkThreshold || hasTOC(doc)) {
		return catalogue.PageKindDirectory
	}
	return catalogue.PageKindUnknown
}

func (f *PatternFamily) looksLikeContent(doc *goquery.Document, heading, pageURL string) bool {
	if doc.Find(containerSelector).Length() == 0 {
		return false
	}
	if f.textCode.MatchString(heading) || f.pathCode.MatchString(urlPath(pageURL)) {
		return true
	}
	numbered := 0
	doc.Find("h2, h3").EachWithBreak(func(_ int, h *goquery.Selection) bool {
		if f.sectionNumber.MatchString(h.Text()) {
			numbered++
		}
		return numbered < 2
	})
	return numbered >= 2
}

func (f *PatternFamily) countFamilyLinks(doc *goquery.Document, pageURL string) int {
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		abs, err := resolveHref(a.AttrOr("href", ""), pageURL)
		if err != nil {
			return
		}
		if _, ok := f.ClassifyLink(abs); ok {
			seen[abs] = struct{}{}
		}
	})
	return len(seen)
}

func hasTOC(doc *goquery.Document) bool {
	if doc.Find(tocSelector).Length() > 0 {
		return true
	}
	found := false
	doc.Find("h2, h3, strong").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		found = tocHeading.MatchString(s.Text())
		return !found
	})
	return found
}

func headingText(doc *goquery.Document) string {
	if h1 := collapse(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return collapse(doc.Find("title").First().Text())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Path
}

func resolveHref(href, base string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", err
	}
	return b.ResolveReference(ref).String(), nil
}
