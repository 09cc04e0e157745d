// internal/rodhost/fiber.go
package rodhost

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/signalnine/statebridge/internal/inspect"
)

// fiberAttr tags elements for the duration of one capture script run
const fiberAttr = "data-statebridge-id"

// captureScript walks every element of the tab, finds the React fiber the
// element belongs to and the nearest function or class component that
// renders it as a root node. Each such element is tagged with the
// component's capture-local id, the document is serialised, and the tags are
// removed again before the script returns.
const captureScript = `() => {
	const ATTR = '` + fiberAttr + `';
	const MAX_DEPTH = 4;
	const MAX_KEYS = 50;

	const fiberKeyOf = (el) => Object.keys(el).find(k =>
		k.startsWith('__reactFiber$') || k.startsWith('__reactInternalInstance$'));

	const safe = (v, depth, seen) => {
		if (v === undefined || v === null) return null;
		const t = typeof v;
		if (t === 'string' || t === 'number' || t === 'boolean') return v;
		if (t === 'bigint' || t === 'symbol') return v.toString();
		if (t === 'function') return '[Function ' + (v.name || 'anonymous') + ']';
		if (v.$$typeof) return '[Element]';
		if (typeof Node !== 'undefined' && v instanceof Node) return '[Node ' + v.nodeName + ']';
		if (seen.has(v)) return '[Circular]';
		if (depth >= MAX_DEPTH) return '[Object]';
		seen.add(v);
		let out;
		if (Array.isArray(v)) {
			out = v.slice(0, MAX_KEYS).map(x => safe(x, depth + 1, seen));
		} else {
			out = {};
			for (const k of Object.keys(v).slice(0, MAX_KEYS)) {
				try { out[k] = safe(v[k], depth + 1, seen); } catch (e) { out[k] = '[Unreadable]'; }
			}
		}
		seen.delete(v);
		return out;
	};

	const isHook = (s) => s !== null && typeof s === 'object' && 'memoizedState' in s && 'next' in s;

	const stateOf = (f) => {
		let s = f.memoizedState;
		if (!isHook(s)) return safe(s, 0, new WeakSet());
		const hooks = [];
		for (let n = 0; isHook(s) && n < MAX_KEYS; n++, s = s.next) hooks.push(s.memoizedState);
		return safe(hooks, 0, new WeakSet());
	};

	const ownerOf = (f) => {
		if (typeof f.elementType === 'function') return f;
		for (let c = f.return; c; c = c.return) {
			if (typeof c.type === 'function') return c;
			if (typeof c.type === 'string') return null;
		}
		return null;
	};

	const ids = new Map();
	const components = {};
	const tagged = [];
	try {
		for (const el of document.querySelectorAll('*')) {
			const key = fiberKeyOf(el);
			if (!key || !el[key]) continue;
			const f = ownerOf(el[key]);
			if (!f) continue;
			let id = ids.get(f);
			if (id === undefined && f.alternate) id = ids.get(f.alternate);
			if (id === undefined) {
				id = String(ids.size);
				ids.set(f, id);
				const type = f.type || f.elementType;
				components[id] = {
					name: type.displayName || type.name || '',
					props: safe(f.memoizedProps || {}, 0, new WeakSet()),
					state: stateOf(f),
					key: f.key === undefined ? null : f.key,
				};
			}
			el.setAttribute(ATTR, id);
			tagged.push(el);
		}
		return JSON.stringify({ html: document.documentElement.outerHTML, components });
	} finally {
		for (const el of tagged) el.removeAttribute(ATTR);
	}
}`

// fiberComponent is one component found by captureScript
type fiberComponent struct {
	Name  string `json:"name"`
	Props any    `json:"props"`
	State any    `json:"state"`
	Key   any    `json:"key"`
}

type pageCapture struct {
	HTML       string                    `json:"html"`
	Components map[string]fiberComponent `json:"components"`
}

// decodeCapture parses the capture script's result into a document and a
// table attaching each tagged element to its component. Elements sharing a
// component id share one instance, so the inspector reports it once.
func decodeCapture(raw string) (*html.Node, *inspect.AttachmentTable, error) {
	var pc pageCapture
	if err := json.Unmarshal([]byte(raw), &pc); err != nil {
		return nil, nil, fmt.Errorf("rodhost: decode capture: %w", err)
	}
	doc, err := html.Parse(strings.NewReader(pc.HTML))
	if err != nil {
		return nil, nil, fmt.Errorf("rodhost: parse DOM: %w", err)
	}

	table := inspect.NewAttachmentTable()
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if id, ok := attr(n, fiberAttr); ok {
				if c, found := pc.Components[id]; found {
					table.Attach(n, &inspect.Descriptor{
						Instance: "fiber:" + id,
						Name:     c.Name,
						Props:    c.Props,
						State:    c.State,
						Key:      c.Key,
					})
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return doc, table, nil
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}
