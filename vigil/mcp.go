// CLAUDE:SUMMARY MCP tool surface: watch lifecycle, history, saved configurations, stats over the official SDK.
package vigil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterMCP registers all vigil tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerAddWatch(srv)
	svc.registerListWatches(srv)
	svc.registerStopWatch(srv)
	svc.registerDismissWatch(srv)
	svc.registerHistory(srv)
	svc.registerSaveConfig(srv)
	svc.registerApplyConfig(srv)
	svc.registerListConfigs(srv)
	svc.registerDeleteConfig(srv)
	svc.registerStats(srv)
	svc.registerSweepNow(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// registerTool wires a decode function and an endpoint into one MCP tool.
// Decode failures and endpoint errors come back as tool errors, never
// protocol errors.
func registerTool[T any](srv *mcp.Server, tool *mcp.Tool, endpoint func(context.Context, *T) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var p T
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &p); err != nil {
				var res mcp.CallToolResult
				res.SetError(fmt.Errorf("invalid arguments: %w", err))
				return &res, nil
			}
		}

		resp, err := endpoint(ctx, &p)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
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

// termsSchema describes the match specification accepted by add/save tools.
func termsSchema() map[string]any {
	return map[string]any{
		"type":        "array",
		"description": "Match terms. Joiner AND extends the current group; OR or omitted starts a new alternative group.",
		"items": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"term":   map[string]any{"type": "string", "description": "Case-insensitive substring to find"},
				"joiner": map[string]any{"type": "string", "description": "AND | OR | omitted (first term: omitted)"},
			},
			"required": []string{"term"},
		},
	}
}

func (svc *Service) registerAddWatch(srv *mcp.Server) {
	type req struct {
		URL        string      `json:"url"`
		Label      string      `json:"label"`
		Terms      []MatchTerm `json:"terms"`
		IntervalMs int64       `json:"interval_ms"`
		Ephemeral  bool        `json:"ephemeral"`
	}

	tool := &mcp.Tool{
		Name:        "vigil_add_watch",
		Description: "Watch a URL for text conditions, refreshing on an interval",
		InputSchema: inputSchema(map[string]any{
			"url":         map[string]any{"type": "string", "description": "URL to watch"},
			"label":       map[string]any{"type": "string", "description": "Human label"},
			"terms":       termsSchema(),
			"interval_ms": map[string]any{"type": "integer", "description": "Refresh interval in ms"},
			"ephemeral":   map[string]any{"type": "boolean", "description": "Use the shared cookie-free session"},
		}, []string{"url", "terms"}),
	}

	registerTool(srv, tool, func(ctx context.Context, p *req) (any, error) {
		return svc.AddWatch(ctx, &AddWatchRequest{
			URL:        p.URL,
			Label:      p.Label,
			Terms:      p.Terms,
			IntervalMs: p.IntervalMs,
			Ephemeral:  p.Ephemeral,
		})
	})
}

func (svc *Service) registerListWatches(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "vigil_list_watches",
		Description: "List all watches with their state",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	registerTool(srv, tool, func(ctx context.Context, _ *req) (any, error) {
		return svc.ListWatches(ctx)
	})
}

func (svc *Service) registerStopWatch(srv *mcp.Server) {
	type req struct {
		WatchID string `json:"watch_id"`
	}

	tool := &mcp.Tool{
		Name:        "vigil_stop_watch",
		Description: "Stop a watch without recording history",
		InputSchema: inputSchema(map[string]any{
			"watch_id": map[string]any{"type": "string", "description": "Watch ID"},
		}, []string{"watch_id"}),
	}

	registerTool(srv, tool, func(ctx context.Context, p *req) (any, error) {
		if err := svc.StopWatch(ctx, p.WatchID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "stopped"}, nil
	})
}

func (svc *Service) registerDismissWatch(srv *mcp.Server) {
	type req struct {
		WatchID string `json:"watch_id"`
	}

	tool := &mcp.Tool{
		Name:        "vigil_dismiss_watch",
		Description: "Acknowledge a found watch, archiving its match to history",
		InputSchema: inputSchema(map[string]any{
			"watch_id": map[string]any{"type": "string", "description": "Watch ID"},
		}, []string{"watch_id"}),
	}

	registerTool(srv, tool, func(ctx context.Context, p *req) (any, error) {
		return svc.DismissWatch(ctx, p.WatchID)
	})
}

func (svc *Service) registerHistory(srv *mcp.Server) {
	type req struct {
		Limit int `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "vigil_history",
		Description: "List dismissed matches, newest first",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max entries (default all)"},
		}, nil),
	}

	registerTool(srv, tool, func(ctx context.Context, p *req) (any, error) {
		return svc.History(ctx, p.Limit)
	})
}

func (svc *Service) registerSaveConfig(srv *mcp.Server) {
	type req struct {
		Name    string          `json:"name"`
		Entries []WatchTemplate `json:"entries"`
	}

	tool := &mcp.Tool{
		Name:        "vigil_save_config",
		Description: "Save a named bundle of watch templates for later reuse",
		InputSchema: inputSchema(map[string]any{
			"name": map[string]any{"type": "string", "description": "Configuration name"},
			"entries": map[string]any{
				"type":        "array",
				"description": "Watch templates (url, label, terms, interval_ms, ephemeral)",
				"items":       map[string]any{"type": "object"},
			},
		}, []string{"name", "entries"}),
	}

	registerTool(srv, tool, func(ctx context.Context, p *req) (any, error) {
		return svc.SaveConfiguration(ctx, p.Name, p.Entries)
	})
}

func (svc *Service) registerApplyConfig(srv *mcp.Server) {
	type req struct {
		ConfigID string `json:"config_id"`
	}

	tool := &mcp.Tool{
		Name:        "vigil_apply_config",
		Description: "Recreate the watches of a saved configuration",
		InputSchema: inputSchema(map[string]any{
			"config_id": map[string]any{"type": "string", "description": "Saved configuration ID"},
		}, []string{"config_id"}),
	}

	registerTool(srv, tool, func(ctx context.Context, p *req) (any, error) {
		return svc.ApplySavedConfig(ctx, p.ConfigID)
	})
}

func (svc *Service) registerListConfigs(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "vigil_list_configs",
		Description: "List saved configurations",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	registerTool(srv, tool, func(ctx context.Context, _ *req) (any, error) {
		return svc.ListSavedConfigs(ctx)
	})
}

func (svc *Service) registerDeleteConfig(srv *mcp.Server) {
	type req struct {
		ConfigID string `json:"config_id"`
	}

	tool := &mcp.Tool{
		Name:        "vigil_delete_config",
		Description: "Delete a saved configuration",
		InputSchema: inputSchema(map[string]any{
			"config_id": map[string]any{"type": "string", "description": "Saved configuration ID"},
		}, []string{"config_id"}),
	}

	registerTool(srv, tool, func(ctx context.Context, p *req) (any, error) {
		if err := svc.DeleteSavedConfig(ctx, p.ConfigID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "deleted"}, nil
	})
}

func (svc *Service) registerStats(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "vigil_stats",
		Description: "Service snapshot: watches by state, history size, scheduling and recovery counters",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	registerTool(srv, tool, func(ctx context.Context, _ *req) (any, error) {
		return svc.Stats(ctx)
	})
}

func (svc *Service) registerSweepNow(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "vigil_sweep_now",
		Description: "Run one watchdog pass immediately",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	registerTool(srv, tool, func(ctx context.Context, _ *req) (any, error) {
		forced, removed := svc.SweepNow(ctx)
		return map[string]int{"forced": forced, "removed": removed}, nil
	})
}
