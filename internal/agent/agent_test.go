// internal/agent/agent_test.go
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalnine/statebridge/internal/config"
	"github.com/signalnine/statebridge/internal/host"
	"github.com/signalnine/statebridge/internal/protocol"
	"github.com/signalnine/statebridge/internal/storage"
)

// fakeCollector records every snapshot posted to /state
type fakeCollector struct {
	mu     sync.Mutex
	status int
	snaps  []protocol.Snapshot
	got    chan struct{}
	hold   chan struct{} // when non-nil, requests block until closed
	srv    *httptest.Server
}

func newFakeCollector(t *testing.T) *fakeCollector {
	t.Helper()
	fc := &fakeCollector{status: http.StatusOK, got: make(chan struct{}, 64)}
	fc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var snap protocol.Snapshot
		if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		fc.mu.Lock()
		fc.snaps = append(fc.snaps, snap)
		status := fc.status
		hold := fc.hold
		fc.mu.Unlock()

		fc.got <- struct{}{}
		if hold != nil {
			<-hold
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(fc.srv.Close)
	return fc
}

func (fc *fakeCollector) url() string { return fc.srv.URL + "/state" }

func (fc *fakeCollector) setStatus(code int) {
	fc.mu.Lock()
	fc.status = code
	fc.mu.Unlock()
}

func (fc *fakeCollector) last() protocol.Snapshot {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.snaps[len(fc.snaps)-1]
}

func (fc *fakeCollector) count() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.snaps)
}

// routingTransport sends collector traffic over the real network and
// everything else to a fake
type routingTransport struct {
	collectorHost string
	fake          http.RoundTripper
}

func (r *routingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Host == r.collectorHost {
		return http.DefaultTransport.RoundTrip(req)
	}
	return r.fake.RoundTrip(req)
}

// consoleRecorder is the pre-activation console implementation
type consoleRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (c *consoleRecorder) fn(prefix string) host.LogFunc {
	return func(args ...any) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.lines = append(c.lines, prefix+" "+fmt.Sprint(args...))
	}
}

func (c *consoleRecorder) matching(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, l := range c.lines {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}

type testEnv struct {
	host      *host.Host
	agent     *Agent
	collector *fakeCollector
	console   *consoleRecorder
	clock     *stepClock
	fake      *fakeRoundTripper
	outbound  http.RoundTripper
}

func newTestEnv(t *testing.T, mutate func(*config.AgentConfig)) *testEnv {
	t.Helper()
	fc := newFakeCollector(t)
	u, _ := url.Parse(fc.url())

	rec := &consoleRecorder{}
	clock := newStepClock()
	fake := &fakeRoundTripper{clock: clock, latency: 40 * time.Millisecond}
	outbound := &routingTransport{collectorHost: u.Host, fake: fake}

	h := host.New(host.NewConsole(rec.fn("log"), rec.fn("warn"), rec.fn("error")))
	h.Outbound.Store(outbound)

	page, err := host.ParsePage("http://app.local/todos", "Todos",
		`<div data-component="App"><li data-component="Todo" data-key="1"></li></div>`)
	if err != nil {
		t.Fatal(err)
	}
	h.Page = page

	persistent := storage.NewMemoryStore()
	persistent.Set("a", "1")
	persistent.Set("b", "2")
	h.PersistentStore = persistent
	h.SessionStore = storage.NewMemoryStore()
	h.Cookies = storage.CookieFunc(func() (string, error) { return "sid=xyz; theme=dark", nil })

	cfg := &config.AgentConfig{
		Enabled:      true,
		CollectorURL: fc.url(),
		InitialDelay: time.Hour,
		Interval:     time.Hour,
		SendTimeout:  5 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}

	return &testEnv{
		host:      h,
		agent:     New(h, cfg, WithClock(clock.now)),
		collector: fc,
		console:   rec,
		clock:     clock,
		fake:      fake,
		outbound:  outbound,
	}
}

func funcPtr(f host.LogFunc) uintptr {
	return reflect.ValueOf(f).Pointer()
}

func TestActivateDisabledIsNoop(t *testing.T) {
	env := newTestEnv(t, nil)
	before := funcPtr(env.host.Console.LogFn.Load())

	stop, err := env.agent.Activate(context.Background(), false)
	if err != nil {
		t.Fatalf("Activate(false) error: %v", err)
	}
	if env.agent.Active() {
		t.Error("agent active after Activate(false)")
	}
	if funcPtr(env.host.Console.LogFn.Load()) != before {
		t.Error("console replaced by disabled activation")
	}
	stop()

	env.host.Console.Log("not captured")
	if env.agent.capture.console.Len() != 0 {
		t.Error("disabled agent captured a console call")
	}
}

func TestActivateDeactivateRestoresGlobals(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.host.Console
	logBefore := funcPtr(c.LogFn.Load())
	warnBefore := funcPtr(c.WarnFn.Load())
	errBefore := funcPtr(c.ErrorFn.Load())

	stop, err := env.agent.Activate(context.Background(), true)
	if err != nil {
		t.Fatalf("Activate error: %v", err)
	}
	if funcPtr(c.LogFn.Load()) == logBefore {
		t.Error("console.log not intercepted")
	}
	if env.host.Outbound.Load() == env.outbound {
		t.Error("outbound not intercepted")
	}

	stop()

	if funcPtr(c.LogFn.Load()) != logBefore || funcPtr(c.WarnFn.Load()) != warnBefore || funcPtr(c.ErrorFn.Load()) != errBefore {
		t.Error("console entry points not restored")
	}
	if env.host.Outbound.Load() != env.outbound {
		t.Error("outbound not restored")
	}

	// Idempotent, never double-restores
	replacement := &fakeRoundTripper{clock: env.clock}
	env.host.Outbound.Store(replacement)
	stop()
	if env.host.Outbound.Load() != replacement {
		t.Error("second deactivation clobbered the slot")
	}
	if env.agent.Active() {
		t.Error("agent still active after deactivation")
	}
}

func TestActivateTwice(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	stop, err := env.agent.Activate(ctx, true)
	if err != nil {
		t.Fatalf("Activate error: %v", err)
	}
	if _, err := env.agent.Activate(ctx, true); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second Activate error = %v, want ErrAlreadyActive", err)
	}

	// Interceptors installed once: one call yields one entry
	env.host.Console.Log("once")
	if n := env.agent.capture.console.Len(); n != 1 {
		t.Errorf("console buffer len = %d, want 1", n)
	}

	stop()
	stop2, err := env.agent.Activate(ctx, true)
	if err != nil {
		t.Fatalf("re-Activate after stop error: %v", err)
	}
	stop2()
}

func TestActivateRejectsInvalidHost(t *testing.T) {
	a := New(&host.Host{}, nil)
	if _, err := a.Activate(context.Background(), true); err == nil {
		t.Fatal("expected error for host without entry points")
	}
}

func TestCaptureScenario(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	stop, err := env.agent.Activate(ctx, true)
	if err != nil {
		t.Fatalf("Activate error: %v", err)
	}
	defer stop()

	c := env.host.Console
	c.Log("first", 1)
	c.Warn("second")
	c.Error("third", map[string]string{"code": "E1"})

	client := env.host.HTTPClient()
	resp, err := client.Get("http://api.local/items")
	if err != nil {
		t.Fatalf("GET success path: %v", err)
	}
	resp.Body.Close()
	if _, err := client.Get("http://api.local/fail"); err == nil {
		t.Fatal("GET failure path returned nil error")
	}

	if err := env.agent.Emit(ctx); err != nil {
		t.Fatalf("Emit error: %v", err)
	}

	snap := env.collector.last()
	if snap.URL != "http://app.local/todos" || snap.Title != "Todos" {
		t.Errorf("URL/Title = %q/%q", snap.URL, snap.Title)
	}
	if len(snap.Console) != 3 {
		t.Fatalf("console len = %d, want 3: %+v", len(snap.Console), snap.Console)
	}
	if snap.Console[2].Message != `third {"code":"E1"}` || snap.Console[2].Type != protocol.LogTypeError {
		t.Errorf("console[2] = %+v", snap.Console[2])
	}
	if len(snap.Errors) != 1 || snap.Errors[0].Message != snap.Console[2].Message {
		t.Errorf("errors = %+v, want the error entry", snap.Errors)
	}

	if len(snap.Network) != 2 {
		t.Fatalf("network len = %d, want 2: %+v", len(snap.Network), snap.Network)
	}
	ok, failed := snap.Network[0], snap.Network[1]
	if ok.Status != 200 || ok.Error != "" || ok.Duration != 40 || ok.Method != "GET" {
		t.Errorf("success entry = %+v", ok)
	}
	if failed.Status != 0 || failed.Error != "connection refused" || failed.Duration != 40 {
		t.Errorf("failure entry = %+v", failed)
	}

	if len(snap.Components["App"]) != 1 || len(snap.Components["Todo"]) != 1 {
		t.Errorf("components = %+v", snap.Components)
	}
	if !reflect.DeepEqual(snap.Storage.PersistentStore, map[string]string{"a": "1", "b": "2"}) {
		t.Errorf("persistentStore = %v", snap.Storage.PersistentStore)
	}
	if snap.Storage.Cookies["theme"] != "dark" {
		t.Errorf("cookies = %v", snap.Storage.Cookies)
	}

	// Pass-through: the original console saw every call unchanged
	if env.console.matching("first1") != 1 || env.console.matching("second") != 1 {
		t.Errorf("original console lines = %v", env.console.lines)
	}
}

func TestStatusLogsOncePerTransition(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	stop, err := env.agent.Activate(ctx, true)
	if err != nil {
		t.Fatalf("Activate error: %v", err)
	}
	defer stop()

	if env.agent.Status() != Disconnected {
		t.Fatalf("initial Status = %v", env.agent.Status())
	}

	for i := 0; i < 2; i++ {
		if err := env.agent.Emit(ctx); err != nil {
			t.Fatalf("Emit %d error: %v", i, err)
		}
	}
	if env.agent.Status() != Connected {
		t.Errorf("Status = %v, want connected", env.agent.Status())
	}
	if n := env.console.matching(connectedMsg); n != 1 {
		t.Errorf("connected lines = %d, want 1", n)
	}

	env.collector.setStatus(http.StatusInternalServerError)
	for i := 0; i < 3; i++ {
		if err := env.agent.Emit(ctx); err == nil {
			t.Fatalf("Emit %d succeeded against a 500", i)
		}
	}
	if env.agent.Status() != Disconnected {
		t.Errorf("Status = %v, want disconnected", env.agent.Status())
	}
	if n := env.console.matching(disconnectedMsg); n != 1 {
		t.Errorf("disconnected lines = %d, want 1", n)
	}

	// The status line itself went through the interceptor once
	entries := env.agent.capture.console.Items()
	n := 0
	for _, e := range entries {
		if strings.Contains(e.Message, connectedMsg) {
			n++
		}
	}
	if n != 1 {
		t.Errorf("captured connected lines = %d, want 1", n)
	}
}

func TestCollectorTrafficNotCaptured(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	stop, err := env.agent.Activate(ctx, true)
	if err != nil {
		t.Fatalf("Activate error: %v", err)
	}
	defer stop()

	// Application code posting to the collector directly
	resp, err := env.host.HTTPClient().Post(env.collector.url(), "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST to collector: %v", err)
	}
	resp.Body.Close()

	if err := env.agent.Emit(ctx); err != nil {
		t.Fatalf("Emit error: %v", err)
	}
	if n := len(env.collector.last().Network); n != 0 {
		t.Errorf("network entries = %d, want 0 (collector traffic excluded)", n)
	}
}

func TestEmitNotActive(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.agent.Emit(context.Background()); !errors.Is(err, ErrNotActive) {
		t.Errorf("Emit error = %v, want ErrNotActive", err)
	}
}

func TestTimerEmits(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.AgentConfig) {
		cfg.InitialDelay = 10 * time.Millisecond
		cfg.Interval = 25 * time.Millisecond
	})

	stop, err := env.agent.Activate(context.Background(), true)
	if err != nil {
		t.Fatalf("Activate error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for i := 0; i < 3; i++ {
		select {
		case <-env.collector.got:
		case <-deadline:
			t.Fatalf("only %d emissions before deadline", i)
		}
	}
	stop()
	if env.agent.Active() {
		t.Fatal("agent still active after deactivation")
	}

	// The loop is gone: at most a send already in flight lands afterwards
	n := env.collector.count()
	time.Sleep(150 * time.Millisecond)
	if got := env.collector.count(); got > n+1 {
		t.Errorf("emissions after deactivation = %d, want at most 1", got-n)
	}
}

func TestNoStatusLineAfterDeactivate(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.AgentConfig) {
		cfg.InitialDelay = time.Millisecond
		cfg.Interval = 2 * time.Millisecond
	})
	env.collector.setStatus(http.StatusInternalServerError)

	stop, err := env.agent.Activate(context.Background(), true)
	if err != nil {
		t.Fatalf("Activate error: %v", err)
	}
	select {
	case <-env.collector.got:
	case <-time.After(5 * time.Second):
		t.Fatal("no emission before deadline")
	}
	stop()

	lines := env.console.matching(disconnectedMsg)
	status := env.agent.Status()
	time.Sleep(50 * time.Millisecond)
	if got := env.console.matching(disconnectedMsg); got != lines {
		t.Errorf("status lines grew after deactivation: %d -> %d", lines, got)
	}
	if env.agent.Status() != status {
		t.Errorf("status changed after deactivation: %v -> %v", status, env.agent.Status())
	}
}

func TestLifecycleLinesGoThroughHostConsole(t *testing.T) {
	env := newTestEnv(t, nil)

	stop, err := env.agent.Activate(context.Background(), true)
	if err != nil {
		t.Fatalf("Activate error: %v", err)
	}
	if n := env.console.matching(initializingMsg); n != 1 {
		t.Errorf("initializing lines = %d, want 1", n)
	}
	// Logged before the interceptors went in
	if n := env.agent.capture.console.Len(); n != 0 {
		t.Errorf("console buffer len = %d, want 0", n)
	}

	stop()
	stop()
	if n := env.console.matching(stoppedMsg); n != 1 {
		t.Errorf("disconnected lines = %d, want 1", n)
	}
	if n := env.agent.capture.console.Len(); n != 0 {
		t.Errorf("console buffer len = %d after stop, want 0", n)
	}
}

func TestTwoAgentsRestoreInEitherOrder(t *testing.T) {
	for _, order := range [][2]int{{0, 1}, {1, 0}} {
		t.Run(fmt.Sprintf("stop_%d_then_%d", order[0], order[1]), func(t *testing.T) {
			env := newTestEnv(t, nil)
			c := env.host.Console
			logBefore := funcPtr(c.LogFn.Load())
			warnBefore := funcPtr(c.WarnFn.Load())
			errBefore := funcPtr(c.ErrorFn.Load())

			agents := []*Agent{env.agent, New(env.host, env.agent.cfg, WithClock(env.clock.now))}
			stops := make([]func(), len(agents))
			for i, a := range agents {
				stop, err := a.Activate(context.Background(), true)
				if err != nil {
					t.Fatalf("Activate %d error: %v", i, err)
				}
				stops[i] = stop
			}

			// logged reports how many entries each agent captured for one call
			logged := func(msg string) [2]int {
				var before [2]int
				for i, a := range agents {
					before[i] = a.capture.console.Len()
				}
				c.Log(msg)
				var delta [2]int
				for i, a := range agents {
					delta[i] = a.capture.console.Len() - before[i]
				}
				if n := env.console.matching(msg); n != 1 {
					t.Errorf("original saw %q %d times, want 1", msg, n)
				}
				return delta
			}

			if got := logged("both"); got != [2]int{1, 1} {
				t.Errorf("captured with both live = %v, want [1 1]", got)
			}

			stops[order[0]]()
			want := [2]int{}
			want[order[1]] = 1
			if got := logged("one"); got != want {
				t.Errorf("captured with one live = %v, want %v", got, want)
			}

			stops[order[1]]()
			if got := logged("none"); got != [2]int{} {
				t.Errorf("captured after both stopped = %v, want [0 0]", got)
			}
			resp, err := env.host.HTTPClient().Get("http://api.local/after")
			if err != nil {
				t.Fatalf("GET after stop: %v", err)
			}
			resp.Body.Close()
			for i, a := range agents {
				if n := a.capture.network.Len(); n != 0 {
					t.Errorf("agent %d network len = %d, want 0", i, n)
				}
			}

			if funcPtr(c.LogFn.Load()) != logBefore || funcPtr(c.WarnFn.Load()) != warnBefore || funcPtr(c.ErrorFn.Load()) != errBefore {
				t.Error("console entry points not restored")
			}
			if env.host.Outbound.Load() != env.outbound {
				t.Error("outbound not restored")
			}
		})
	}
}

func TestDeactivateDiscardsInFlightOutcome(t *testing.T) {
	env := newTestEnv(t, nil)
	hold := make(chan struct{})
	env.collector.mu.Lock()
	env.collector.hold = hold
	env.collector.mu.Unlock()

	stop, err := env.agent.Activate(context.Background(), true)
	if err != nil {
		t.Fatalf("Activate error: %v", err)
	}

	result := make(chan error, 1)
	go func() { result <- env.agent.Emit(context.Background()) }()

	select {
	case <-env.collector.got:
	case <-time.After(5 * time.Second):
		t.Fatal("snapshot never reached the collector")
	}
	stop()
	close(hold)

	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Emit error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight send never completed")
	}
	if env.agent.Status() != Disconnected {
		t.Errorf("Status = %v, want outcome discarded", env.agent.Status())
	}
	if env.console.matching(connectedMsg) != 0 {
		t.Error("status line logged for a discarded outcome")
	}
}

func TestCollectRebuildsEachCycle(t *testing.T) {
	env := newTestEnv(t, nil)

	first := env.agent.Collect()
	if len(first.Components["Todo"]) != 1 {
		t.Fatalf("first components = %+v", first.Components)
	}

	page := env.host.Page.(*host.StaticPage)
	next, _ := host.ParsePage("", "", `<div data-component="Empty"></div>`)
	doc, _ := next.Document()
	page.Render(doc)
	env.host.PersistentStore.(*storage.MemoryStore).Remove("a")

	second := env.agent.Collect()
	if _, ok := second.Components["Todo"]; ok {
		t.Error("stale component carried into the next cycle")
	}
	if _, ok := second.Storage.PersistentStore["a"]; ok {
		t.Error("stale storage key carried into the next cycle")
	}
	if second.Console == nil || second.Network == nil || second.Errors == nil {
		t.Error("empty buffers must encode as [] not null")
	}
}

func TestCollectWithoutPage(t *testing.T) {
	h := host.New(host.NewConsole(nil, nil, nil))
	snap := New(h, nil).Collect()
	if snap.Components == nil || snap.Storage.Cookies == nil {
		t.Errorf("snapshot not normalized: %+v", snap)
	}
}
