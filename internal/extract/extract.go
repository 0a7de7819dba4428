// Package extract turns rendered HTML into plain text suitable for chunking
// and embedding. Extraction is heuristic: boilerplate is stripped, the main
// content container is located by a selector cascade (falling back to a
// text-density scan), and document structure (headings, paragraphs, lists,
// tables) is appended so retrieval keeps the page's shape.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Heuristic thresholds. These were tuned against heterogeneous real-world
// sites; changing them shifts the precision/recall balance of extraction.
const (
	// MinContentLength is the floor below which a page counts as empty and
	// is skipped by callers.
	MinContentLength = 20

	// minMainTextLength qualifies a selector-cascade candidate.
	minMainTextLength = 200

	// minTextDensity is the text/markup ratio a scanned container must beat,
	// filtering out nav-heavy wrappers.
	minTextDensity = 0.1

	// fallbackParagraphMin triggers the paragraphs+lists fallback when the
	// main candidate is shorter.
	fallbackParagraphMin = 500

	// fallbackBodyMin triggers the whole-body fallback when even the
	// paragraph fallback is shorter.
	fallbackBodyMin = 100

	// minParagraphLength filters trivial paragraphs out of augmentation.
	minParagraphLength = 30

	// maxTitleLength and maxDescriptionLength bound the metadata fields.
	maxTitleLength       = 200
	maxDescriptionLength = 500

	// maxContentLength caps the final extracted content.
	maxContentLength = 50000
)

// mainSelectors is the cascade of CSS selectors tried, in order, to locate
// the primary content container.
var mainSelectors = []string{
	"main", "article", `[role="main"]`,
	".content", ".main-content", "#content", "#main",
	".post-content", ".entry-content", ".page-content",
	".article-body", ".post-body", ".text-content",
}

// boilerplateSelector removes elements that never carry content.
const boilerplateSelector = "script, style, link, meta, noscript, iframe"

// junkClassExact mark elements to strip when they equal a whole class token,
// so words like "header" or "shadow" survive. junkClassFragments strip an
// element when found anywhere inside a class token.
var junkClassExact = map[string]bool{"ad": true, "ads": true}

var junkClassFragments = []string{"advertisement", "cookie-banner", "popup", "modal"}

// reDisplayNone matches an inline style hiding the element.
var reDisplayNone = regexp.MustCompile(`display\s*:\s*none`)

// Result is the extracted page content.
type Result struct {
	// Title is the page title, at most 200 characters.
	Title string
	// Description is the page meta description, at most 500 characters.
	Description string
	// Content is the cleaned main text, at most 50 000 characters.
	Content string
}

// Empty reports whether the extraction produced too little content for the
// page to be worth persisting.
func (r Result) Empty() bool {
	return len(r.Content) < MinContentLength
}

// Extract parses markup and returns the page's title, description and main
// textual content. It is a pure function of its input: identical HTML yields
// an identical Result. The caller's markup is never mutated; extraction
// works on a freshly parsed tree.
func Extract(markup string) (Result, error) {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return Result{}, fmt.Errorf("extract: parse html: %w", err)
	}
	doc := goquery.NewDocumentFromNode(root)

	title := extractTitle(doc)
	description := extractDescription(doc)

	stripBoilerplate(doc)

	main := selectMainText(doc)
	paragraphs := collectParagraphsAndLists(doc)

	base := main
	if len(base) < fallbackParagraphMin {
		base = paragraphs
	}
	if len(base) < fallbackBodyMin {
		base = normalizeSpace(doc.Find("body").Text())
	}

	var sections []string
	if base != "" {
		sections = append(sections, base)
	}
	if h := collectHeadings(doc); h != "" {
		sections = append(sections, h)
	}
	if paragraphs != "" {
		sections = append(sections, paragraphs)
	}
	if tbl := collectTables(doc); tbl != "" {
		sections = append(sections, tbl)
	}

	content := cleanText(strings.Join(sections, "\n\n"))
	if len(content) > maxContentLength {
		content = content[:maxContentLength]
	}

	return Result{Title: title, Description: description, Content: content}, nil
}

// extractTitle returns the first non-empty of <title>, the first <h1>, and
// og:title, defaulting to "Untitled".
func extractTitle(doc *goquery.Document) string {
	candidates := []string{
		doc.Find("title").First().Text(),
		doc.Find("h1").First().Text(),
		metaContent(doc, `meta[property="og:title"]`),
	}
	for _, c := range candidates {
		if t := normalizeSpace(c); t != "" {
			return truncate(t, maxTitleLength)
		}
	}
	return "Untitled"
}

// extractDescription returns the first non-empty of the description meta tag
// and og:description.
func extractDescription(doc *goquery.Document) string {
	candidates := []string{
		metaContent(doc, `meta[name="description"]`),
		metaContent(doc, `meta[property="og:description"]`),
	}
	for _, c := range candidates {
		if d := normalizeSpace(c); d != "" {
			return truncate(d, maxDescriptionLength)
		}
	}
	return ""
}

// metaContent returns the content attribute of the first element matching sel.
func metaContent(doc *goquery.Document, sel string) string {
	v, _ := doc.Find(sel).First().Attr("content")
	return v
}

// stripBoilerplate removes non-content machinery from the document: scripts,
// styles, metadata tags, ad/overlay containers, and hidden elements.
func stripBoilerplate(doc *goquery.Document) {
	doc.Find(boilerplateSelector).Remove()

	doc.Find("[class]").Each(func(_ int, s *goquery.Selection) {
		class, _ := s.Attr("class")
		if hasJunkClass(class) {
			s.Remove()
		}
	})

	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		if reDisplayNone.MatchString(strings.ToLower(style)) {
			s.Remove()
		}
	})

	doc.Find("[hidden]").Remove()
}

// hasJunkClass reports whether any class token identifies an ad or overlay
// element.
func hasJunkClass(class string) bool {
	for _, token := range strings.Fields(strings.ToLower(class)) {
		if junkClassExact[token] {
			return true
		}
		for _, frag := range junkClassFragments {
			if strings.Contains(token, frag) {
				return true
			}
		}
	}
	return false
}

// selectMainText locates the main content container. The selector cascade is
// tried first; when nothing qualifies, the densest sufficiently text-heavy
// container wins.
func selectMainText(doc *goquery.Document) string {
	for _, sel := range mainSelectors {
		s := doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		text := normalizeSpace(s.Text())
		if len(text) > minMainTextLength {
			return text
		}
	}

	var bestText string
	doc.Find("main, article, section, div").Each(func(_ int, s *goquery.Selection) {
		text := normalizeSpace(s.Text())
		if len(text) <= len(bestText) {
			return
		}
		inner, err := s.Html()
		if err != nil || len(inner) == 0 {
			return
		}
		if float64(len(text))/float64(len(inner)) > minTextDensity {
			bestText = text
		}
	})
	return bestText
}

// collectHeadings renders every h1..h6 as a "## heading" line.
func collectHeadings(doc *goquery.Document) string {
	var lines []string
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		if t := normalizeSpace(s.Text()); t != "" {
			lines = append(lines, "## "+t)
		}
	})
	return strings.Join(lines, "\n")
}

// collectParagraphsAndLists gathers substantial paragraphs and all list
// items (bulleted), joined by blank lines.
func collectParagraphsAndLists(doc *goquery.Document) string {
	var parts []string
	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		if t := normalizeSpace(s.Text()); len(t) > minParagraphLength {
			parts = append(parts, t)
		}
	})
	doc.Find("ul, ol").Each(func(_ int, list *goquery.Selection) {
		var items []string
		list.Find("li").Each(func(_ int, li *goquery.Selection) {
			if t := normalizeSpace(li.Text()); t != "" {
				items = append(items, "• "+t)
			}
		})
		if len(items) > 0 {
			parts = append(parts, strings.Join(items, "\n"))
		}
	})
	return strings.Join(parts, "\n\n")
}

// collectTables renders each table as pipe-delimited rows, emitting a header
// separator row when the table has <th> cells.
func collectTables(doc *goquery.Document) string {
	var tables []string
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		var rows []string
		headerCols := 0
		table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			var cells []string
			isHeader := false
			tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
				if goquery.NodeName(cell) == "th" {
					isHeader = true
				}
				cells = append(cells, normalizeSpace(cell.Text()))
			})
			if len(cells) == 0 {
				return
			}
			rows = append(rows, "| "+strings.Join(cells, " | ")+" |")
			if isHeader && headerCols == 0 {
				headerCols = len(cells)
				sep := make([]string, len(cells))
				for i := range sep {
					sep[i] = "---"
				}
				rows = append(rows, "| "+strings.Join(sep, " | ")+" |")
			}
		})
		if len(rows) > 0 {
			tables = append(tables, strings.Join(rows, "\n"))
		}
	})
	return strings.Join(tables, "\n\n")
}

var (
	reSpaces      = regexp.MustCompile(`[ \t\x{00a0}]+`)
	reBlankLines  = regexp.MustCompile(`\n{3,}`)
	reLineLeading = regexp.MustCompile(`\n[ \t]+`)
)

// normalizeSpace collapses all whitespace runs (including newlines) in s to
// single spaces and trims the result.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// cleanText normalizes the assembled content: tabs and non-breaking spaces
// become plain spaces, space runs collapse to one, runs of three or more
// newlines collapse to exactly two, and the result is trimmed.
func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = reSpaces.ReplaceAllString(s, " ")
	s = reLineLeading.ReplaceAllString(s, "\n")
	s = reBlankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// truncate cuts s to at most n bytes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
