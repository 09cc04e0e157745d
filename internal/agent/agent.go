// internal/agent/agent.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"

	"github.com/signalnine/statebridge/internal/buffer"
	"github.com/signalnine/statebridge/internal/config"
	"github.com/signalnine/statebridge/internal/hook"
	"github.com/signalnine/statebridge/internal/host"
	"github.com/signalnine/statebridge/internal/inspect"
	"github.com/signalnine/statebridge/internal/protocol"
	"github.com/signalnine/statebridge/internal/storage"
)

// Buffer bounds
const (
	ConsoleLimit = 100
	NetworkLimit = 100
	ErrorLimit   = 50
)

// Lines written through the host console on lifecycle and status transitions
const (
	initializingMsg = "[statebridge] initializing"
	stoppedMsg      = "[statebridge] disconnected"
	connectedMsg    = "[statebridge] connected to collector"
	disconnectedMsg = "[statebridge] lost connection to collector:"
)

var (
	// ErrAlreadyActive is returned by Activate while a previous activation is live
	ErrAlreadyActive = errors.New("agent: already active")
	// ErrNotActive is returned by Emit outside an activation
	ErrNotActive = errors.New("agent: not active")
)

// capture is the per-agent event state the interceptors write into
type capture struct {
	console *buffer.Ring[protocol.LogEntry]
	network *buffer.Ring[protocol.NetworkEntry]
	errors  *buffer.Ring[protocol.LogEntry]
	now     func() time.Time
}

func newCapture(now func() time.Time) *capture {
	return &capture{
		console: buffer.NewRing[protocol.LogEntry](ConsoleLimit),
		network: buffer.NewRing[protocol.NetworkEntry](NetworkLimit),
		errors:  buffer.NewRing[protocol.LogEntry](ErrorLimit),
		now:     now,
	}
}

// activation is everything one Activate call owns
type activation struct {
	ctx       context.Context
	cancel    context.CancelFunc
	registry  *hook.Registry
	transport *Transport
	done      chan struct{}
	sending   atomic.Bool
	stopOnce  sync.Once

	// outcomeMu orders status updates against deactivation
	outcomeMu sync.Mutex
	stopped   bool
}

// Agent captures host activity and relays snapshots to the collector
type Agent struct {
	cfg       *config.AgentConfig
	host      *host.Host
	inspector *inspect.Inspector
	logger    *slog.Logger
	now       func() time.Time

	capture *capture
	conn    connState

	mu     sync.Mutex
	active *activation
}

// Option configures an Agent
type Option func(*Agent)

// WithLogger sets the logger for the agent's own diagnostics
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// New creates a new agent for h. A nil cfg uses config.DefaultAgentConfig.
func New(h *host.Host, cfg *config.AgentConfig, opts ...Option) *Agent {
	if cfg == nil {
		cfg = config.DefaultAgentConfig()
	}
	a := &Agent{
		cfg:    cfg,
		host:   h,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(a)
	}

	var resolve inspect.Resolver
	if h != nil {
		resolve = h.Resolver
	}
	a.inspector = inspect.New(resolve)
	a.capture = newCapture(func() time.Time { return a.now() })
	return a
}

// Activate installs the interceptors and starts periodic emission. It is a
// no-op when enabled is false. The returned function deactivates; it may be
// called any number of times and returns once the emission loop has exited,
// unless a send is still in flight.
func (a *Agent) Activate(ctx context.Context, enabled bool) (func(), error) {
	if !enabled {
		return func() {}, nil
	}
	if err := a.host.Validate(); err != nil {
		return nil, err
	}
	collector, err := url.Parse(a.cfg.CollectorURL)
	if err != nil {
		return nil, fmt.Errorf("agent: collector url: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active != nil {
		return nil, ErrAlreadyActive
	}

	a.host.Console.Log(initializingMsg)

	reg := hook.NewRegistry()
	beneath, err := a.install(reg, collector)
	if err != nil {
		reg.Restore()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	act := &activation{
		ctx:       runCtx,
		cancel:    cancel,
		registry:  reg,
		transport: NewTransport(a.cfg.CollectorURL, beneath, a.cfg.SendTimeout),
		done:      make(chan struct{}),
	}
	a.active = act

	go a.loop(act)

	a.logger.Debug("agent activated", "collector", a.cfg.CollectorURL, "hooks", reg.Installed())
	return func() { a.deactivate(act) }, nil
}

// install wraps the console channels and the outbound slot. It returns a
// RoundTripper that bypasses this agent's own interceptor, for snapshot traffic.
func (a *Agent) install(reg *hook.Registry, collector *url.URL) (http.RoundTripper, error) {
	c := a.host.Console
	consoles := []struct {
		name string
		kind protocol.LogType
		slot *hook.Var[host.LogFunc]
	}{
		{"console.log", protocol.LogTypeLog, c.LogFn},
		{"console.warn", protocol.LogTypeWarn, c.WarnFn},
		{"console.error", protocol.LogTypeError, c.ErrorFn},
	}
	for _, e := range consoles {
		kind := e.kind
		err := hook.Install(reg, e.name, e.slot, func(next func() host.LogFunc) host.LogFunc {
			return a.capture.wrapConsole(kind, func(args ...any) { next()(args...) })
		})
		if err != nil {
			return nil, err
		}
	}

	var beneath underlying
	err := hook.Install(reg, "outbound", a.host.Outbound, func(next func() http.RoundTripper) http.RoundTripper {
		beneath = next
		return &networkInterceptor{orig: beneath, capture: a.capture, collector: collector}
	})
	if err != nil {
		return nil, err
	}
	return beneath, nil
}

func (a *Agent) deactivate(act *activation) {
	act.stopOnce.Do(func() {
		act.outcomeMu.Lock()
		act.stopped = true
		act.outcomeMu.Unlock()

		act.cancel()
		act.registry.Restore()

		a.mu.Lock()
		if a.active == act {
			a.active = nil
		}
		a.mu.Unlock()

		a.host.Console.Log(stoppedMsg)

		// An idle loop exits right away; a send in flight is left to finish on its own
		if !act.sending.Load() {
			<-act.done
		}
		a.logger.Debug("agent deactivated")
	})
}

// loop runs the first emission after InitialDelay and then one every Interval
func (a *Agent) loop(act *activation) {
	defer close(act.done)

	first := time.NewTimer(a.cfg.InitialDelay)
	defer first.Stop()
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-act.ctx.Done():
			return
		case <-first.C:
		case <-ticker.C:
		}
		act.sending.Store(true)
		err := a.emit(act)
		act.sending.Store(false)
		if err != nil {
			a.logger.Debug("snapshot not delivered", "error", err)
		}
	}
}

// Emit collects and sends one snapshot immediately
func (a *Agent) Emit(ctx context.Context) error {
	a.mu.Lock()
	act := a.active
	a.mu.Unlock()
	if act == nil {
		return ErrNotActive
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.emit(act)
}

func (a *Agent) emit(act *activation) error {
	if act.ctx.Err() != nil {
		return act.ctx.Err()
	}
	snap := a.Collect()

	// Deactivation lets an in-flight send finish; its outcome is dropped.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(act.ctx), a.cfg.SendTimeout)
	err := act.transport.Send(sendCtx, snap)
	cancel()

	act.outcomeMu.Lock()
	defer act.outcomeMu.Unlock()
	if act.stopped {
		return context.Canceled
	}
	a.recordOutcome(err)
	return err
}

// recordOutcome drives the status machine and logs one line per transition.
// Callers hold the activation's outcomeMu.
func (a *Agent) recordOutcome(err error) {
	if err == nil {
		if a.conn.transition(Connected) {
			a.host.Console.Log(connectedMsg, a.cfg.CollectorURL)
		}
		return
	}
	if a.conn.transition(Disconnected) {
		a.host.Console.Warn(disconnectedMsg, err.Error())
	}
}

// Collect assembles a snapshot from the page, the stores and the buffers.
// Components and storage are rebuilt from scratch on every call.
func (a *Agent) Collect() protocol.Snapshot {
	snap := protocol.Snapshot{
		Storage:   storage.Snapshot(a.host.PersistentStore, a.host.SessionStore, a.host.Cookies),
		Console:   a.capture.console.Items(),
		Network:   a.capture.network.Items(),
		Errors:    a.capture.errors.Items(),
		Timestamp: a.now(),
	}
	if p := a.host.Page; p != nil {
		snap.URL, snap.Title = a.pageInfo(p)
		snap.Components = a.inspector.Inspect(a.document(p))
	}
	snap.Normalize()
	return snap
}

func (a *Agent) pageInfo(p host.Page) (u, title string) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Debug("page info unavailable", "panic", r)
		}
	}()
	return p.URL(), p.Title()
}

func (a *Agent) document(p host.Page) (doc *html.Node) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Debug("document unavailable", "panic", r)
			doc = nil
		}
	}()
	doc, err := p.Document()
	if err != nil {
		a.logger.Debug("document unavailable", "error", err)
		return nil
	}
	return doc
}

// Status returns the current collector reachability
func (a *Agent) Status() Status {
	return a.conn.get()
}

// Active reports whether an activation is live
func (a *Agent) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active != nil
}

// Run activates according to the config and blocks until ctx is done
func (a *Agent) Run(ctx context.Context) error {
	if !a.cfg.Enabled {
		a.logger.Info("agent disabled by config")
		<-ctx.Done()
		return nil
	}

	a.logger.Info("agent starting",
		"collector", a.cfg.CollectorURL,
		"initial_delay", a.cfg.InitialDelay,
		"interval", a.cfg.Interval)

	stop, err := a.Activate(ctx, true)
	if err != nil {
		return err
	}

	<-ctx.Done()
	a.logger.Info("agent shutting down",
		"console_seen", a.capture.console.Total(),
		"requests_seen", a.capture.network.Total())
	stop()
	return nil
}
