// internal/host/host.go
// Package host models the application the agent is embedded in: its logging
// entry points, its single outbound request function, its page and its
// stores. Every global the agent intercepts is a hook.Var owned here.
package host

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/net/html"

	"github.com/signalnine/statebridge/internal/hook"
	"github.com/signalnine/statebridge/internal/inspect"
	"github.com/signalnine/statebridge/internal/storage"
)

// LogFunc is one console entry point
type LogFunc func(args ...any)

// Console holds the three swappable logging entry points. Application code
// calls Log/Warn/Error; the agent wraps the underlying slots.
type Console struct {
	LogFn   *hook.Var[LogFunc]
	WarnFn  *hook.Var[LogFunc]
	ErrorFn *hook.Var[LogFunc]
}

// NewConsole builds a console from three entry points. Nil entries are no-ops.
func NewConsole(log, warn, errFn LogFunc) *Console {
	return &Console{
		LogFn:   hook.NewVar(orNop(log)),
		WarnFn:  hook.NewVar(orNop(warn)),
		ErrorFn: hook.NewVar(orNop(errFn)),
	}
}

// SlogConsole routes log/warn/error to a slog.Logger at Info/Warn/Error
func SlogConsole(logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return NewConsole(
		func(args ...any) { logger.Info(fmt.Sprint(args...)) },
		func(args ...any) { logger.Warn(fmt.Sprint(args...)) },
		func(args ...any) { logger.Error(fmt.Sprint(args...)) },
	)
}

func orNop(f LogFunc) LogFunc {
	if f == nil {
		return func(...any) {}
	}
	return f
}

// Log calls the current log entry point
func (c *Console) Log(args ...any) { c.LogFn.Load()(args...) }

// Warn calls the current warn entry point
func (c *Console) Warn(args ...any) { c.WarnFn.Load()(args...) }

// Error calls the current error entry point
func (c *Console) Error(args ...any) { c.ErrorFn.Load()(args...) }

// Page exposes what the agent reads from the rendered page each cycle
type Page interface {
	URL() string
	Title() string
	Document() (*html.Node, error)
}

// Host bundles everything the agent intercepts or reads
type Host struct {
	Console *Console
	// Outbound is the single outbound request function. A nil value inside
	// the slot means http.DefaultTransport.
	Outbound *hook.Var[http.RoundTripper]

	Page            Page
	PersistentStore storage.Store
	SessionStore    storage.Store
	Cookies         storage.CookieSource

	// Resolver finds component descriptors on DOM nodes; nil uses inspect.AttrResolver
	Resolver inspect.Resolver
}

// New creates a host with the given console and an empty outbound slot.
// A nil console logs through slog.Default.
func New(console *Console) *Host {
	if console == nil {
		console = SlogConsole(nil)
	}
	return &Host{
		Console:  console,
		Outbound: hook.NewVar[http.RoundTripper](nil),
	}
}

// Validate reports whether the interceptable slots are present
func (h *Host) Validate() error {
	if h == nil {
		return errors.New("host: nil host")
	}
	if h.Console == nil || h.Console.LogFn == nil || h.Console.WarnFn == nil || h.Console.ErrorFn == nil {
		return errors.New("host: console entry points missing")
	}
	if h.Outbound == nil {
		return errors.New("host: outbound slot missing")
	}
	return nil
}

// HTTPClient returns a client whose requests go through the current value of
// the outbound slot, so interception applies to it.
func (h *Host) HTTPClient() *http.Client {
	return &http.Client{Transport: Dispatch(h.Outbound)}
}

// Dispatch returns a RoundTripper that loads slot on every request
func Dispatch(slot *hook.Var[http.RoundTripper]) http.RoundTripper {
	return dispatcher{slot: slot}
}

type dispatcher struct {
	slot *hook.Var[http.RoundTripper]
}

func (d dispatcher) RoundTrip(req *http.Request) (*http.Response, error) {
	rt := d.slot.Load()
	if rt == nil {
		rt = http.DefaultTransport
	}
	return rt.RoundTrip(req)
}
