package httpx

import (
	"bytes"
	"net/http"
	"strings"

	"golang.org/x/net/html"
)

// Document is a fetched response: final URL after redirects, status and body.
type Document struct {
	Status int
	URL    string
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status.
func (d *Document) OK() bool {
	return d != nil && d.Status >= 200 && d.Status < 300
}

// ContentType returns the media type without parameters.
func (d *Document) ContentType() string {
	ct := d.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(strings.ToLower(ct))
}

// HTML returns the body as a string.
func (d *Document) HTML() string {
	return string(d.Body)
}

// HasClass reports whether any element carries class in its class list.
// Malformed markup falls back to a substring check.
func (d *Document) HasClass(class string) bool {
	root, err := html.Parse(bytes.NewReader(d.Body))
	if err != nil {
		return bytes.Contains(d.Body, []byte(class))
	}
	found := false
	walk(root, func(n *html.Node) bool {
		for _, a := range n.Attr {
			if a.Key != "class" {
				continue
			}
			for _, c := range strings.Fields(a.Val) {
				if c == class {
					found = true
					return false
				}
			}
		}
		return true
	})
	return found
}

// InputValue returns the value of the first input element named name.
func (d *Document) InputValue(name string) (string, bool) {
	root, err := html.Parse(bytes.NewReader(d.Body))
	if err != nil {
		return "", false
	}
	var (
		value string
		found bool
	)
	walk(root, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "input" {
			return true
		}
		if attr(n, "name") == name {
			value, found = attr(n, "value"), true
			return false
		}
		return true
	})
	return value, found
}

func walk(n *html.Node, visit func(*html.Node) bool) bool {
	if n.Type == html.ElementNode && !visit(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, visit) {
			return false
		}
	}
	return true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
