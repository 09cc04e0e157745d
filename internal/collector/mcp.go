// internal/collector/mcp.go
package collector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/signalnine/statebridge/internal/protocol"
)

// toolFunc answers one tool call from its raw JSON arguments
type toolFunc func(ctx context.Context, args json.RawMessage) (any, error)

// RegisterMCP exposes the stored snapshots as MCP tools on srv
func RegisterMCP(srv *mcp.Server, db *DB) {
	t := &mcpTools{db: db}

	addTool(srv, &mcp.Tool{
		Name:        "bridge_snapshot",
		Description: "Return a full captured snapshot: page, components, storage, console, network and errors. Latest unless an id is given.",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Snapshot ID (default: latest)"},
		}),
	}, t.snapshot)

	addTool(srv, &mcp.Tool{
		Name:        "bridge_console",
		Description: "Return console entries from the latest snapshot, optionally filtered by type.",
		InputSchema: inputSchema(map[string]any{
			"type":  map[string]any{"type": "string", "enum": []any{"log", "warn", "error"}, "description": "Only entries of this type"},
			"limit": map[string]any{"type": "integer", "description": "Return only the most recent N entries"},
		}),
	}, t.console)

	addTool(srv, &mcp.Tool{
		Name:        "bridge_network",
		Description: "Return captured outbound requests from the latest snapshot.",
		InputSchema: inputSchema(map[string]any{
			"failed_only": map[string]any{"type": "boolean", "description": "Only requests that errored or returned status >= 400"},
		}),
	}, t.network)

	addTool(srv, &mcp.Tool{
		Name:        "bridge_components",
		Description: "Return the UI component tree from the latest snapshot, grouped by component name.",
		InputSchema: inputSchema(map[string]any{
			"name": map[string]any{"type": "string", "description": "Only instances of this component"},
		}),
	}, t.components)

	addTool(srv, &mcp.Tool{
		Name:        "bridge_storage",
		Description: "Return persistent store, session store and cookies from the latest snapshot.",
		InputSchema: inputSchema(nil),
	}, t.storage)

	addTool(srv, &mcp.Tool{
		Name:        "bridge_history",
		Description: "List recent snapshots, newest first, with per-snapshot counts.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max snapshots (default 20, max 200)"},
			"url":   map[string]any{"type": "string", "description": "Only snapshots taken on this page URL"},
		}),
	}, t.history)
}

func inputSchema(properties map[string]any) map[string]any {
	if properties == nil {
		properties = map[string]any{}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
	}
}

// addTool registers fn and renders its result as JSON text. Failures are
// reported as tool errors, not protocol errors.
func addTool(srv *mcp.Server, tool *mcp.Tool, fn toolFunc) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args json.RawMessage
		if req.Params != nil {
			args = req.Params.Arguments
		}

		resp, err := fn(ctx, args)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(err)
			return &res, nil
		}

		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

type mcpTools struct {
	db *DB
}

func (t *mcpTools) latest() (*protocol.StoredSnapshot, error) {
	return t.db.Latest()
}

type snapshotArgs struct {
	ID string `json:"id,omitempty"`
}

func (t *mcpTools) snapshot(_ context.Context, raw json.RawMessage) (any, error) {
	var args snapshotArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.ID != "" {
		return t.db.Get(args.ID)
	}
	return t.latest()
}

type consoleArgs struct {
	Type  protocol.LogType `json:"type,omitempty"`
	Limit int              `json:"limit,omitempty"`
}

func (t *mcpTools) console(_ context.Context, raw json.RawMessage) (any, error) {
	var args consoleArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	stored, err := t.latest()
	if err != nil {
		return nil, err
	}

	entries := []protocol.LogEntry{}
	for _, e := range stored.Snapshot.Console {
		if args.Type == "" || e.Type == args.Type {
			entries = append(entries, e)
		}
	}
	if args.Limit > 0 && len(entries) > args.Limit {
		entries = entries[len(entries)-args.Limit:]
	}
	return entries, nil
}

type networkArgs struct {
	FailedOnly bool `json:"failed_only,omitempty"`
}

func (t *mcpTools) network(_ context.Context, raw json.RawMessage) (any, error) {
	var args networkArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	stored, err := t.latest()
	if err != nil {
		return nil, err
	}
	if !args.FailedOnly {
		return stored.Snapshot.Network, nil
	}

	failed := []protocol.NetworkEntry{}
	for _, e := range stored.Snapshot.Network {
		if e.Error != "" || e.Status >= 400 {
			failed = append(failed, e)
		}
	}
	return failed, nil
}

type componentsArgs struct {
	Name string `json:"name,omitempty"`
}

func (t *mcpTools) components(_ context.Context, raw json.RawMessage) (any, error) {
	var args componentsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	stored, err := t.latest()
	if err != nil {
		return nil, err
	}
	if args.Name == "" {
		return stored.Snapshot.Components, nil
	}
	instances := stored.Snapshot.Components[args.Name]
	if instances == nil {
		instances = []protocol.Component{}
	}
	return map[string][]protocol.Component{args.Name: instances}, nil
}

func (t *mcpTools) storage(_ context.Context, _ json.RawMessage) (any, error) {
	stored, err := t.latest()
	if err != nil {
		return nil, err
	}
	return stored.Snapshot.Storage, nil
}

type historyArgs struct {
	Limit int    `json:"limit,omitempty"`
	URL   string `json:"url,omitempty"`
}

// historyItem is one row of bridge_history output
type historyItem struct {
	ID         string `json:"id"`
	ReceivedAt string `json:"received_at"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	Console    int    `json:"console"`
	Network    int    `json:"network"`
	Errors     int    `json:"errors"`
}

func (t *mcpTools) history(_ context.Context, raw json.RawMessage) (any, error) {
	var args historyArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	limit := args.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	var results []protocol.StoredSnapshot
	var err error
	if args.URL != "" {
		results, err = t.db.HistoryByURL(args.URL, limit)
	} else {
		results, err = t.db.History(limit)
	}
	if err != nil {
		return nil, err
	}

	items := make([]historyItem, 0, len(results))
	for _, r := range results {
		items = append(items, historyItem{
			ID:         r.ID,
			ReceivedAt: r.ReceivedAt.Format("2006-01-02T15:04:05.000Z07:00"),
			URL:        r.Snapshot.URL,
			Title:      r.Snapshot.Title,
			Console:    len(r.Snapshot.Console),
			Network:    len(r.Snapshot.Network),
			Errors:     len(r.Snapshot.Errors),
		})
	}
	return items, nil
}
