package llm

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var htmlMarkers = []string{"<div", "<p", "<br>"}

// StripHTML flattens replies that came back as HTML into plain text. Text
// nodes are trimmed and joined by single spaces. Replies without HTML markers
// are returned unchanged.
func StripHTML(text string) string {
	if !containsMarker(text) {
		return text
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return text
	}

	var parts []string
	var walk func(sel *goquery.Selection)
	walk = func(sel *goquery.Selection) {
		sel.Contents().Each(func(_ int, node *goquery.Selection) {
			switch goquery.NodeName(node) {
			case "#text":
				if t := strings.TrimSpace(node.Text()); t != "" {
					parts = append(parts, t)
				}
			case "script", "style":
			default:
				walk(node)
			}
		})
	}
	walk(doc.Selection)

	out := strings.ReplaceAll(strings.Join(parts, " "), "\n", " ")
	for strings.Contains(out, "  ") {
		out = strings.ReplaceAll(out, "  ", " ")
	}
	return out
}

func containsMarker(text string) bool {
	for _, m := range htmlMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}
