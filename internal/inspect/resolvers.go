// internal/inspect/resolvers.go
package inspect

import (
	"encoding/json"
	"regexp"
	"sync"

	"golang.org/x/net/html"
)

// attachmentAttr matches the attribute a rendering layer sets on a component's
// root element. The optional suffix is a per-build nonce.
var attachmentAttr = regexp.MustCompile(`^data-component(-[a-z0-9]+)?$`)

// Attribute names read alongside the attachment
const (
	AttrProps    = "data-props"
	AttrState    = "data-state"
	AttrKey      = "data-key"
	AttrInstance = "data-instance"
)

// AttrResolver reads component descriptors from data attributes. Props and
// state are decoded as JSON; values that fail to decode are kept as strings.
func AttrResolver(n *html.Node) (*Descriptor, bool) {
	var (
		found bool
		d     Descriptor
	)
	for _, a := range n.Attr {
		switch {
		case attachmentAttr.MatchString(a.Key):
			found = true
			d.Name = a.Val
		case a.Key == AttrProps:
			d.Props = decodeAttr(a.Val)
		case a.Key == AttrState:
			d.State = decodeAttr(a.Val)
		case a.Key == AttrKey:
			d.Key = a.Val
		case a.Key == AttrInstance:
			d.Instance = a.Val
		}
	}
	if !found {
		return nil, false
	}
	return &d, true
}

func decodeAttr(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// AttachmentTable maps nodes to the component instance that rendered them.
// Hosts that build their DOM in-process register attachments here.
type AttachmentTable struct {
	mu    sync.RWMutex
	nodes map[*html.Node]*Descriptor
}

// NewAttachmentTable creates an empty table
func NewAttachmentTable() *AttachmentTable {
	return &AttachmentTable{nodes: make(map[*html.Node]*Descriptor)}
}

// Attach associates d with n. Passing the same *Descriptor for several nodes
// makes them one instance unless d.Instance is set explicitly.
func (t *AttachmentTable) Attach(n *html.Node, d *Descriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[n] = d
}

// Detach removes the attachment for n
func (t *AttachmentTable) Detach(n *html.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, n)
}

// Resolve implements Resolver. The returned descriptor is a copy so the walk
// never mutates the table.
func (t *AttachmentTable) Resolve(n *html.Node) (*Descriptor, bool) {
	t.mu.RLock()
	d, ok := t.nodes[n]
	t.mu.RUnlock()
	if !ok || d == nil {
		return nil, false
	}
	cp := *d
	if cp.Instance == nil {
		cp.Instance = d
	}
	return &cp, true
}

// Chain tries each resolver in order and returns the first hit
func Chain(resolvers ...Resolver) Resolver {
	return func(n *html.Node) (*Descriptor, bool) {
		for _, r := range resolvers {
			if r == nil {
				continue
			}
			if d, ok := r(n); ok {
				return d, true
			}
		}
		return nil, false
	}
}
