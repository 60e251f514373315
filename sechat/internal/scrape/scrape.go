// Package scrape extracts the few values the SDK needs from chat and login
// pages: the anti-forgery token, the profile link of the logged-in user and
// the page title.
package scrape

import (
	"strings"

	"golang.org/x/net/html"
)

// FKey returns the value of the first <input name="fkey">.
func FKey(doc *html.Node) (string, bool) {
	n := find(doc, func(n *html.Node) bool {
		return isElement(n, "input") && attr(n, "name") == "fkey"
	})
	if n == nil {
		return "", false
	}
	v := attr(n, "value")
	return v, v != ""
}

// ProfileLink returns the href and text of the first <a> directly inside
// the element with class "topbar-menu-links".
func ProfileLink(doc *html.Node) (href, text string, ok bool) {
	menu := find(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && hasClass(n, "topbar-menu-links")
	})
	if menu == nil {
		return "", "", false
	}
	for c := menu.FirstChild; c != nil; c = c.NextSibling {
		if isElement(c, "a") {
			return attr(c, "href"), Text(c), true
		}
	}
	return "", "", false
}

// Title returns the text of the document's <title>.
func Title(doc *html.Node) string {
	n := find(doc, func(n *html.Node) bool { return isElement(n, "title") })
	if n == nil {
		return ""
	}
	return Text(n)
}

// Text returns the concatenated, trimmed text content of n.
func Text(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}

// find returns the first node in document order matching pred.
func find(n *html.Node, pred func(*html.Node) bool) *html.Node {
	if n == nil {
		return nil
	}
	if pred(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, pred); found != nil {
			return found
		}
	}
	return nil
}

func isElement(n *html.Node, tag string) bool {
	return n.Type == html.ElementNode && n.Data == tag
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}
