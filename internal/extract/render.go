package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

var (
	spaceRun   = regexp.MustCompile(`[ \t\r\f\v]+`)
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// Render parses an HTML document, keeps only the regions matching selector
// (the whole body when selector is empty), and flattens them into compact
// markdown-style text. It returns the text and the number of matched regions.
func Render(document []byte, selector string) (string, int, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(document))
	if err != nil {
		return "", 0, fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, template, svg, iframe").Remove()

	var sel *goquery.Selection
	if strings.TrimSpace(selector) == "" {
		sel = doc.Find("body")
	} else {
		if _, err := cascadia.Compile(selector); err != nil {
			return "", 0, fmt.Errorf("invalid css selector %q: %w", selector, err)
		}
		sel = doc.Find(selector)
	}
	roots := outermost(sel.Nodes)

	w := &markdownWriter{}
	for _, n := range roots {
		w.block()
		w.children(n)
		w.block()
	}
	return w.String(), len(roots), nil
}

// outermost drops matches nested inside another match so content is
// rendered once.
func outermost(nodes []*html.Node) []*html.Node {
	set := make(map[*html.Node]struct{}, len(nodes))
	for _, n := range nodes {
		set[n] = struct{}{}
	}
	out := make([]*html.Node, 0, len(nodes))
	for _, n := range nodes {
		nested := false
		for p := n.Parent; p != nil; p = p.Parent {
			if _, ok := set[p]; ok {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, n)
		}
	}
	return out
}

type markdownWriter struct {
	buf strings.Builder
}

func (w *markdownWriter) String() string {
	lines := strings.Split(w.buf.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	out := blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(out)
}

func (w *markdownWriter) write(s string) {
	w.buf.WriteString(s)
}

func (w *markdownWriter) block() {
	w.buf.WriteString("\n\n")
}

func (w *markdownWriter) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.node(c)
	}
}

func (w *markdownWriter) node(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.write(spaceRun.ReplaceAllString(strings.ReplaceAll(n.Data, "\n", " "), " "))
	case html.ElementNode:
		w.element(n)
	case html.DocumentNode:
		w.children(n)
	}
}

func (w *markdownWriter) element(n *html.Node) {
	switch n.Data {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		w.block()
		w.write(strings.Repeat("#", int(n.Data[1]-'0')) + " ")
		w.write(inlineText(n))
		w.block()
	case "br":
		w.write("\n")
	case "hr":
		w.block()
		w.write("---")
		w.block()
	case "li":
		w.write("\n- ")
		w.children(n)
	case "a":
		text := inlineText(n)
		href := attr(n, "href")
		if href == "" || strings.HasPrefix(href, "javascript:") {
			w.write(text)
			return
		}
		w.write("[" + text + "](" + href + ")")
	case "img":
		if src := attr(n, "src"); src != "" {
			w.write("![" + attr(n, "alt") + "](" + src + ")")
		}
	case "td", "th":
		w.write(" | ")
		w.children(n)
	case "tr":
		w.write("\n")
		w.children(n)
		w.write(" |")
	case "p", "div", "section", "article", "header", "footer", "ul", "ol", "table",
		"main", "aside", "nav", "address", "dl", "dt", "dd", "blockquote", "figure", "form":
		w.block()
		w.children(n)
		w.block()
	default:
		w.children(n)
	}
}

func inlineText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(spaceRun.ReplaceAllString(strings.ReplaceAll(sb.String(), "\n", " "), " "))
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}
