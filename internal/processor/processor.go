package processor

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"venuescout/internal/config"
	"venuescout/pkg/types"
)

// ErrEmptyPage is returned when there is no markup to read.
var ErrEmptyPage = errors.New("page body empty")

// TextExtractor turns loaded pages into the readable text that is sent to the LLM.
type TextExtractor struct {
	opts config.PreprocessConfig
}

// NewTextExtractor constructs an extractor from configuration.
func NewTextExtractor(cfg config.PreprocessConfig) *TextExtractor {
	return &TextExtractor{opts: cfg}
}

var blockLevelTags = map[string]struct{}{
	"p":          {},
	"div":        {},
	"section":    {},
	"article":    {},
	"main":       {},
	"aside":      {},
	"nav":        {},
	"header":     {},
	"footer":     {},
	"h1":         {},
	"h2":         {},
	"h3":         {},
	"h4":         {},
	"h5":         {},
	"h6":         {},
	"ul":         {},
	"ol":         {},
	"li":         {},
	"dl":         {},
	"dt":         {},
	"dd":         {},
	"table":      {},
	"tr":         {},
	"blockquote": {},
	"address":    {},
	"figure":     {},
	"figcaption": {},
}

// Extract returns the visible text of page, one block per line.
func (e *TextExtractor) Extract(page *types.Page) (string, error) {
	if page == nil {
		return "", fmt.Errorf("page is nil")
	}
	return e.ExtractHTML(page.Body)
}

// ExtractHTML is Extract for raw markup.
func (e *TextExtractor) ExtractHTML(body []byte) (string, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return "", ErrEmptyPage
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	doc.Find("script,noscript,style,template,iframe,svg,link[rel='stylesheet']").Remove()
	if e.opts.RemoveAds {
		for _, sel := range e.opts.AdSelectors {
			doc.Find(sel).Remove()
		}
	}

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}

	acc := &textAccumulator{}
	for _, n := range root.Nodes {
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			accumulateText(child, acc)
		}
	}
	return cleanLines(acc.String()), nil
}

type textAccumulator struct {
	builder   strings.Builder
	lastRune  rune
	hasLast   bool
	lastWasNL bool
}

func (t *textAccumulator) String() string {
	return t.builder.String()
}

func (t *textAccumulator) append(value string) {
	if value == "" {
		return
	}
	t.builder.WriteString(value)
	for _, r := range value {
		t.lastRune = r
		t.hasLast = true
		t.lastWasNL = r == '\n'
	}
}

func (t *textAccumulator) ensureSeparator(sep string) {
	if !t.hasLast || t.lastRune == ' ' || t.lastRune == '\n' {
		return
	}
	t.append(sep)
}

func (t *textAccumulator) ensureNewline() {
	if !t.hasLast || t.lastWasNL {
		return
	}
	t.append("\n")
}

func accumulateText(node *html.Node, acc *textAccumulator) {
	switch node.Type {
	case html.TextNode:
		text := strings.Join(strings.Fields(node.Data), " ")
		if text == "" {
			return
		}
		acc.ensureSeparator(" ")
		acc.append(text)
	case html.ElementNode:
		tag := strings.ToLower(node.Data)
		if tag == "br" {
			acc.ensureNewline()
			return
		}
		_, block := blockLevelTags[tag]
		if block {
			acc.ensureNewline()
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			accumulateText(child, acc)
		}
		switch {
		case tag == "td" || tag == "th":
			// keep table rows on one line so counts stay next to their labels
			acc.ensureSeparator(" | ")
		case block:
			acc.ensureNewline()
		}
	}
}

// cleanLines trims every line, splits on runs of two or more spaces, and
// drops empty results.
func cleanLines(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		for _, phrase := range strings.Split(line, "  ") {
			phrase = strings.Trim(strings.TrimSpace(phrase), "|")
			phrase = strings.TrimSpace(phrase)
			if phrase != "" {
				out = append(out, phrase)
			}
		}
	}
	return strings.Join(out, "\n")
}

// WordCount is the cheap token proxy used for budgets.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// Truncate keeps at most maxWords words of s.
func Truncate(s string, maxWords int) string {
	if maxWords <= 0 {
		return s
	}
	fields := strings.Fields(s)
	if len(fields) <= maxWords {
		return s
	}
	return strings.Join(fields[:maxWords], " ")
}

// Chunk splits s into pieces of at most size words.
func Chunk(s string, size int) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	if size <= 0 || len(fields) <= size {
		return []string{strings.Join(fields, " ")}
	}
	chunks := make([]string, 0, len(fields)/size+1)
	for start := 0; start < len(fields); start += size {
		end := start + size
		if end > len(fields) {
			end = len(fields)
		}
		chunks = append(chunks, strings.Join(fields[start:end], " "))
	}
	return chunks
}
