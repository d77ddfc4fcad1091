package document

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	md "github.com/nao1215/markdown"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// renderMarkdown turns headings, paragraphs, lists, quotes, preformatted
// blocks and links into markdown. Everything else contributes only its text.
func renderMarkdown(doc *goquery.Document, pageURL *url.URL) (string, error) {
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	w := &markdownWriter{
		out:  md.NewMarkdown(io.Discard),
		base: crawler.DocumentBase(doc, pageURL),
	}
	for _, node := range body.Nodes {
		w.block(node)
	}
	w.flush()
	if err := w.out.Build(); err != nil {
		return "", fmt.Errorf("build markdown: %w", err)
	}
	return strings.TrimSpace(w.out.String()), nil
}

type markdownWriter struct {
	out  *md.Markdown
	base *url.URL
	// pending collects loose inline text between block elements.
	pending strings.Builder
}

func (w *markdownWriter) block(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			w.pending.WriteString(c.Data)
			continue
		case html.ElementNode:
		default:
			continue
		}

		switch c.DataAtom {
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			w.flush()
			w.heading(c)
		case atom.P:
			w.flush()
			w.paragraph(w.inline(c))
		case atom.Ul, atom.Ol:
			w.flush()
			w.list(c)
		case atom.Blockquote:
			w.flush()
			if text := w.inline(c); text != "" {
				w.out.Blockquote(text)
				w.out.PlainText("")
			}
		case atom.Pre:
			w.flush()
			if text := strings.TrimSpace(textOf(c)); text != "" {
				w.out.CodeBlocks("", text)
				w.out.PlainText("")
			}
		case atom.A, atom.Span, atom.Strong, atom.B, atom.Em, atom.I, atom.Code, atom.Small:
			w.pending.WriteString(w.inline(c))
		case atom.Br:
			w.pending.WriteString(" ")
		case atom.Head, atom.Template, atom.Svg, atom.Form:
		default:
			w.flush()
			w.block(c)
			w.flush()
		}
	}
}

func (w *markdownWriter) heading(n *html.Node) {
	text := w.inline(n)
	if text == "" {
		return
	}
	switch n.DataAtom {
	case atom.H1:
		w.out.H1(text)
	case atom.H2:
		w.out.H2(text)
	case atom.H3:
		w.out.H3(text)
	case atom.H4:
		w.out.H4(text)
	case atom.H5:
		w.out.H5(text)
	default:
		w.out.H6(text)
	}
	w.out.PlainText("")
}

func (w *markdownWriter) list(n *html.Node) {
	var items []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.DataAtom != atom.Li {
			continue
		}
		if text := w.inline(c); text != "" {
			items = append(items, text)
		}
	}
	if len(items) == 0 {
		return
	}
	if n.DataAtom == atom.Ol {
		w.out.OrderedList(items...)
	} else {
		w.out.BulletList(items...)
	}
	w.out.PlainText("")
}

func (w *markdownWriter) paragraph(text string) {
	if text == "" {
		return
	}
	w.out.PlainText(text)
	w.out.PlainText("")
}

func (w *markdownWriter) flush() {
	text := collapseWhitespace(w.pending.String())
	w.pending.Reset()
	w.paragraph(text)
}

// inline renders n's subtree as one line, keeping links.
func (w *markdownWriter) inline(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch {
		case node.Type == html.TextNode:
			b.WriteString(node.Data)
			return
		case node.Type == html.ElementNode && node.DataAtom == atom.Br:
			b.WriteString(" ")
			return
		case node.Type == html.ElementNode && node.DataAtom == atom.A:
			text := collapseWhitespace(textOf(node))
			if href := w.resolve(attr(node, "href")); href != "" && text != "" {
				b.WriteString(" " + md.Link(text, href) + " ")
				return
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return collapseWhitespace(b.String())
}

func (w *markdownWriter) resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if w.base == nil {
		return ref.String()
	}
	return w.base.ResolveReference(ref).String()
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
