// internal/agent/transport.go
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/signalnine/statebridge/internal/protocol"
)

// Transport pushes snapshots to the collector
type Transport struct {
	url    string
	client *http.Client
}

// NewTransport creates a transport that sends through rt. Callers pass a
// RoundTripper beneath the network interceptor so snapshot traffic never
// reaches the capture buffers. Redirects are not followed: a 3xx from the
// collector counts as a failed delivery.
func NewTransport(collectorURL string, rt http.RoundTripper, timeout time.Duration) *Transport {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &Transport{
		url: collectorURL,
		client: &http.Client{
			Timeout:   timeout,
			Transport: rt,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Send POSTs one snapshot. Any 2xx is success.
func (t *Transport) Send(ctx context.Context, snap protocol.Snapshot) error {
	snap.Normalize()
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("collector returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// Drain so the connection can be reused
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil
}
