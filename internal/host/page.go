// internal/host/page.go
package host

import (
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// StaticPage is an in-process Page whose document is replaced by the
// application as it renders
type StaticPage struct {
	mu    sync.RWMutex
	url   string
	title string
	doc   *html.Node
}

// NewStaticPage creates a page with the given location and document
func NewStaticPage(url, title string, doc *html.Node) *StaticPage {
	return &StaticPage{url: url, title: title, doc: doc}
}

// ParsePage parses src as the page document
func ParsePage(url, title, src string) (*StaticPage, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, err
	}
	return NewStaticPage(url, title, doc), nil
}

// URL returns the current location
func (p *StaticPage) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

// Title returns the current title
func (p *StaticPage) Title() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.title
}

// Document returns the rendered document
func (p *StaticPage) Document() (*html.Node, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.doc, nil
}

// Navigate changes the location and title
func (p *StaticPage) Navigate(url, title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	p.title = title
}

// Render replaces the document
func (p *StaticPage) Render(doc *html.Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc = doc
}
