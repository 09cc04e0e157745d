// internal/rodhost/rodhost.go
// Package rodhost drives a Chrome tab over CDP and presents it as a
// host.Host: page document, web storage, cookies and console events come
// from the tab, and the tab's own requests are replayed through the host's
// outbound slot.
package rodhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"golang.org/x/net/html"

	"github.com/signalnine/statebridge/internal/host"
	"github.com/signalnine/statebridge/internal/inspect"
)

// DefaultNavigateTimeout bounds the initial navigation
const DefaultNavigateTimeout = 30 * time.Second

// Options configures a browser session
type Options struct {
	// BrowserURL is the control URL of a running Chrome. Empty launches a
	// local headless instance.
	BrowserURL string

	PageURL         string
	Stealth         bool
	NavigateTimeout time.Duration
	Logger          *slog.Logger
}

// Session is one tab the agent observes
type Session struct {
	ctx     context.Context
	browser *rod.Browser
	page    *rod.Page
	lnch    *launcher.Launcher
	router  *rod.HijackRouter
	logger  *slog.Logger

	mu     sync.Mutex
	fibers *inspect.AttachmentTable // from the latest Document call
}

// Open connects to Chrome, opens a tab and navigates it to opts.PageURL
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.PageURL == "" {
		return nil, errors.New("rodhost: page url required")
	}
	if opts.NavigateTimeout <= 0 {
		opts.NavigateTimeout = DefaultNavigateTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Session{ctx: ctx, logger: opts.Logger}

	wsURL := opts.BrowserURL
	if wsURL == "" {
		l := launcher.New().Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("rodhost: launch: %w", err)
		}
		wsURL = u
		s.lnch = l
		s.logger.Info("launched local chrome", "url", wsURL)
	} else {
		s.logger.Info("connecting to remote chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		s.Close()
		return nil, fmt.Errorf("rodhost: connect: %w", err)
	}
	s.browser = b

	var page *rod.Page
	var err error
	if opts.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("rodhost: create tab: %w", err)
	}
	s.page = page

	navCtx, cancel := context.WithTimeout(ctx, opts.NavigateTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(opts.PageURL); err != nil {
		s.Close()
		return nil, fmt.Errorf("rodhost: navigate %s: %w", opts.PageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		s.logger.Warn("wait load timeout", "url", opts.PageURL, "error", err)
	}
	return s, nil
}

// Bind points h's page, stores, cookies and component resolver at the tab.
// Components come from the tab's React fibers, with data-component
// attributes as a fallback.
func (s *Session) Bind(h *host.Host) {
	h.Page = s
	h.Resolver = inspect.Chain(s.Resolve, inspect.AttrResolver)
	h.PersistentStore = s.Store(LocalStorage)
	h.SessionStore = s.Store(SessionStorage)
	h.Cookies = s
}

// URL returns the tab's current location
func (s *Session) URL() string {
	info, err := s.page.Context(s.ctx).Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// Title returns the tab's current title
func (s *Session) Title() string {
	info, err := s.page.Context(s.ctx).Info()
	if err != nil {
		return ""
	}
	return info.Title
}

// Document serialises the live DOM and parses it. The component table used
// by Resolve is rebuilt from the same capture.
func (s *Session) Document() (*html.Node, error) {
	res, err := s.page.Context(s.ctx).Eval(captureScript)
	if err != nil {
		return nil, fmt.Errorf("rodhost: get DOM: %w", err)
	}
	doc, table, err := decodeCapture(res.Value.Str())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.fibers = table
	s.mu.Unlock()
	return doc, nil
}

// Resolve returns the React component rooted at n in the latest capture
func (s *Session) Resolve(n *html.Node) (*inspect.Descriptor, bool) {
	s.mu.Lock()
	table := s.fibers
	s.mu.Unlock()
	if table == nil {
		return nil, false
	}
	return table.Resolve(n)
}

// Cookie returns document.cookie
func (s *Session) Cookie() (string, error) {
	res, err := s.page.Context(s.ctx).Eval(`() => document.cookie`)
	if err != nil {
		return "", fmt.Errorf("rodhost: read cookies: %w", err)
	}
	return res.Value.Str(), nil
}

// StorageArea names a web storage object on window
type StorageArea string

const (
	LocalStorage   StorageArea = "localStorage"
	SessionStorage StorageArea = "sessionStorage"
)

// Store returns a storage.Store reading one web storage area
func (s *Session) Store(area StorageArea) *WebStore {
	return &WebStore{session: s, area: area}
}

// WebStore reads localStorage or sessionStorage of the tab
type WebStore struct {
	session *Session
	area    StorageArea
}

// Items returns every key/value pair in the area
func (w *WebStore) Items() (map[string]string, error) {
	res, err := w.session.page.Context(w.session.ctx).Eval(`(area) => {
		const s = window[area];
		const out = {};
		for (let i = 0; i < s.length; i++) {
			const k = s.key(i);
			out[k] = s.getItem(k);
		}
		return JSON.stringify(out);
	}`, string(w.area))
	if err != nil {
		return nil, fmt.Errorf("rodhost: read %s: %w", w.area, err)
	}

	items := map[string]string{}
	if err := json.Unmarshal([]byte(res.Value.Str()), &items); err != nil {
		return nil, fmt.Errorf("rodhost: decode %s: %w", w.area, err)
	}
	return items, nil
}

// ForwardConsole relays the tab's console calls into c until the session
// context is done
func (s *Session) ForwardConsole(c *host.Console) error {
	if err := (proto.RuntimeEnable{}).Call(s.page); err != nil {
		return fmt.Errorf("rodhost: enable runtime: %w", err)
	}

	wait := s.page.Context(s.ctx).EachEvent(func(e *proto.RuntimeConsoleAPICalled) {
		args := remoteArgs(e.Args)
		switch consoleKind(e.Type) {
		case "error":
			c.Error(args...)
		case "warn":
			c.Warn(args...)
		case "log":
			c.Log(args...)
		}
	})
	go wait()
	return nil
}

// RouteRequests replays every request the tab makes through client, so a
// client built on the host's outbound slot sees the tab's traffic
func (s *Session) RouteRequests(client *http.Client) {
	router := s.page.HijackRequests()
	router.MustAdd("*", func(ctx *rod.Hijack) {
		if err := ctx.LoadResponse(client, true); err != nil {
			ctx.Response.Fail(proto.NetworkErrorReasonFailed)
		}
	})
	s.router = router
	go router.Run()
}

// Close stops request routing, closes the tab and any launched browser
func (s *Session) Close() error {
	var errs []error
	if s.router != nil {
		errs = append(errs, s.router.Stop())
	}
	if s.page != nil {
		errs = append(errs, s.page.Close())
	}
	if s.browser != nil {
		errs = append(errs, s.browser.Close())
	}
	if s.lnch != nil {
		s.lnch.Kill()
	}
	return errors.Join(errs...)
}

// consoleKind maps a CDP console call type onto log, warn or error.
// Types with no console channel here (table, dir, clear...) map to "".
func consoleKind(t proto.RuntimeConsoleAPICalledType) string {
	switch t {
	case proto.RuntimeConsoleAPICalledTypeError, proto.RuntimeConsoleAPICalledTypeAssert:
		return "error"
	case proto.RuntimeConsoleAPICalledTypeWarning:
		return "warn"
	case proto.RuntimeConsoleAPICalledTypeLog, proto.RuntimeConsoleAPICalledTypeInfo,
		proto.RuntimeConsoleAPICalledTypeDebug, proto.RuntimeConsoleAPICalledTypeTrace:
		return "log"
	}
	return ""
}

// remoteArgs converts CDP remote objects into plain Go values
func remoteArgs(objs []*proto.RuntimeRemoteObject) []any {
	args := make([]any, 0, len(objs))
	for _, o := range objs {
		args = append(args, remoteArg(o))
	}
	return args
}

func remoteArg(o *proto.RuntimeRemoteObject) any {
	if o == nil {
		return nil
	}
	if o.UnserializableValue != "" {
		return string(o.UnserializableValue)
	}
	if v := o.Value.Val(); v != nil {
		return v
	}
	if o.Type == proto.RuntimeRemoteObjectTypeUndefined {
		return "undefined"
	}
	if o.Description != "" {
		return o.Description
	}
	return nil
}
