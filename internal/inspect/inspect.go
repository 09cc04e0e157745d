// internal/inspect/inspect.go
// Package inspect discovers live component instances attached to DOM nodes.
//
// The inspector never reads framework internals itself. A Resolver supplied by
// the host maps a node to the component descriptor attached to it, if any, so
// the walk stays host-agnostic and can be tested with synthetic descriptors.
package inspect

import (
	"golang.org/x/net/html"

	"github.com/signalnine/statebridge/internal/protocol"
)

// AnonymousName is used for components without a display name
const AnonymousName = "Anonymous"

// Descriptor is the component information attached to a node
type Descriptor struct {
	// Instance identifies the component; nodes sharing an Instance are
	// reported once per walk. Must be comparable.
	Instance any
	Name     string
	Props    any
	State    any
	Key      any
}

// Resolver returns the descriptor attached to n, or false if there is none
type Resolver func(n *html.Node) (*Descriptor, bool)

// Inspector walks a document and groups components by name
type Inspector struct {
	resolve Resolver
}

// New creates an inspector. A nil resolver falls back to AttrResolver.
func New(resolve Resolver) *Inspector {
	if resolve == nil {
		resolve = AttrResolver
	}
	return &Inspector{resolve: resolve}
}

// Inspect walks every element under doc in document order. The result is
// rebuilt from scratch on every call and never nil.
func (i *Inspector) Inspect(doc *html.Node) map[string][]protocol.Component {
	out := make(map[string][]protocol.Component)
	if doc == nil {
		return out
	}

	visited := make(map[any]struct{})
	walk(doc, func(n *html.Node) {
		d, ok := i.resolveNode(n)
		if !ok {
			return
		}
		if !markVisited(visited, d.Instance) {
			return
		}

		name := d.Name
		if name == "" {
			name = AnonymousName
		}
		out[name] = append(out[name], protocol.Component{
			Name:  name,
			Props: d.Props,
			State: d.State,
			Key:   d.Key,
		})
	})
	return out
}

// resolveNode runs the resolver, treating a panic as "no component"
func (i *Inspector) resolveNode(n *html.Node) (d *Descriptor, ok bool) {
	defer func() {
		if recover() != nil {
			d, ok = nil, false
		}
	}()
	d, ok = i.resolve(n)
	if !ok || d == nil {
		return nil, false
	}
	// The resolver may hand out a shared descriptor; never write into it
	cp := *d
	if cp.Instance == nil {
		cp.Instance = n
	}
	return &cp, true
}

// markVisited records id and reports whether it was new. Non-comparable
// identities panic on map access; those descriptors are skipped.
func markVisited(visited map[any]struct{}, id any) (fresh bool) {
	defer func() {
		if recover() != nil {
			fresh = false
		}
	}()
	if _, seen := visited[id]; seen {
		return false
	}
	visited[id] = struct{}{}
	return true
}

func walk(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}
