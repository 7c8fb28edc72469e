package content

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var hiddenStylePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)display\s*:\s*none`),
	regexp.MustCompile(`(?i)visibility\s*:\s*hidden`),
	regexp.MustCompile(`(?i)font-size\s*:\s*0[^1-9]`),
	regexp.MustCompile(`(?i)opacity\s*:\s*0[^.]`),
}

// VisibleText extracts the user-visible text from a page's HTML. Script,
// style, head, noscript, and inline-hidden subtrees are skipped. The result
// is cleaned: whitespace collapsed, zero-width characters removed.
func VisibleText(pageHTML string) string {
	doc, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		// Malformed HTML still yields whatever the tokenizer salvaged;
		// a total parse failure yields nothing to match on.
		return ""
	}
	var b strings.Builder
	collectText(doc, &b)
	return CleanText(b.String())
}

func collectText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Head, atom.Template:
			return
		}
		if hasHiddenStyle(n) {
			return
		}
	case html.TextNode:
		b.WriteString(n.Data)
		b.WriteByte(' ')
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

func hasHiddenStyle(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Key != "style" {
			continue
		}
		for _, pat := range hiddenStylePatterns {
			if pat.MatchString(a.Val) {
				return true
			}
		}
	}
	return false
}

// CleanText normalises extracted text: removes zero-width characters,
// collapses whitespace, and trims.
func CleanText(text string) string {
	text = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff', '\u00ad':
			return -1
		}
		return r
	}, text)
	text = multiSpaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

var multiSpaceRe = regexp.MustCompile(`\s+`)
