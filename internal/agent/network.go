// internal/agent/network.go
package agent

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/signalnine/statebridge/internal/protocol"
)

// networkInterceptor wraps the host's outbound RoundTripper
type networkInterceptor struct {
	orig      http.RoundTripper // nil means http.DefaultTransport
	capture   *capture
	collector *url.URL
}

// underlying forwards to whatever the outbound slot holds beneath one wrapper
type underlying func() http.RoundTripper

func (u underlying) RoundTrip(req *http.Request) (*http.Response, error) {
	rt := u()
	if rt == nil {
		rt = http.DefaultTransport
	}
	return rt.RoundTrip(req)
}

func (n *networkInterceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	rt := n.orig
	if rt == nil {
		rt = http.DefaultTransport
	}

	// Our own snapshot traffic stays out of the buffer
	if n.isCollector(req) {
		return rt.RoundTrip(req)
	}

	start := n.capture.now()
	resp, err := rt.RoundTrip(req)
	n.capture.recordRequest(req, resp, err, start)
	return resp, err
}

func (n *networkInterceptor) isCollector(req *http.Request) bool {
	if n.collector == nil || req == nil || req.URL == nil {
		return false
	}
	if !strings.EqualFold(req.URL.Host, n.collector.Host) {
		return false
	}
	return strings.HasPrefix(req.URL.Path, n.collector.Path)
}

func (c *capture) recordRequest(req *http.Request, resp *http.Response, err error, start time.Time) {
	defer func() { _ = recover() }()

	entry := protocol.NetworkEntry{
		Method:    http.MethodGet,
		Duration:  c.now().Sub(start).Milliseconds(),
		Timestamp: start,
	}
	if req.URL != nil {
		entry.URL = req.URL.String()
	}
	if req.Method != "" {
		entry.Method = req.Method
	}

	switch {
	case err != nil:
		entry.Error = err.Error()
	case resp != nil:
		entry.Status = resp.StatusCode
	}
	c.network.Push(entry)
}
