// internal/storage/storage.go
// Package storage reads host key-value stores and cookies into flat maps.
package storage

import (
	"strings"

	"github.com/signalnine/statebridge/internal/protocol"
)

// Store is a readable key-value store
type Store interface {
	Items() (map[string]string, error)
}

// CookieSource returns the raw cookie header string ("a=1; b=2")
type CookieSource interface {
	Cookie() (string, error)
}

// CookieFunc adapts a function to CookieSource
type CookieFunc func() (string, error)

// Cookie calls f
func (f CookieFunc) Cookie() (string, error) { return f() }

// Snapshot reads all three sections. A nil, failing or panicking source
// yields an empty map for that section only.
func Snapshot(persistent, session Store, cookies CookieSource) protocol.Storage {
	return protocol.Storage{
		PersistentStore: readStore(persistent),
		SessionStore:    readStore(session),
		Cookies:         readCookies(cookies),
	}
}

func readStore(s Store) (out map[string]string) {
	out = map[string]string{}
	if s == nil {
		return out
	}
	defer func() {
		if recover() != nil {
			out = map[string]string{}
		}
	}()

	items, err := s.Items()
	if err != nil {
		return map[string]string{}
	}
	for k, v := range items {
		out[k] = v
	}
	return out
}

func readCookies(src CookieSource) (out map[string]string) {
	out = map[string]string{}
	if src == nil {
		return out
	}
	defer func() {
		if recover() != nil {
			out = map[string]string{}
		}
	}()

	raw, err := src.Cookie()
	if err != nil {
		return out
	}
	return ParseCookies(raw)
}

// ParseCookies splits a cookie string into a map. Segments without a key are
// skipped; a segment without "=" maps its key to "".
func ParseCookies(raw string) map[string]string {
	out := map[string]string{}
	for _, seg := range strings.Split(raw, ";") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		key, val, _ := strings.Cut(seg, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(val)
	}
	return out
}
