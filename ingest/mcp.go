package ingest

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/savoir/kit"
)

// RegisterMCP registers all ingest tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerRunCycle(srv)
	svc.registerLatestItems(srv)
	svc.registerSourceStatus(srv)
	svc.registerRecentCycles(srv)
	svc.registerStats(srv)
	svc.registerKnowledgeGaps(srv)
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

func (svc *Service) register(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	kit.RegisterMCPTool(srv, tool, kit.WithLogging(svc.logger, tool.Name)(endpoint), decode)
}

var limitProperty = map[string]any{"type": "integer", "description": "Maximum number of results (default 50, max 500)"}

// --- Cycles ---

func (svc *Service) registerRunCycle(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "ingest_run_cycle",
		Description: "Run one ingestion cycle now: fetch every source, curate, store, and return the cycle summary",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return svc.RunCycle(context.WithoutCancel(ctx))
	}

	svc.register(srv, tool, endpoint, kit.DecodeJSON[req])
}

func (svc *Service) registerRecentCycles(srv *mcp.Server) {
	type req struct {
		Limit int `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "ingest_recent_cycles",
		Description: "List the most recent ingestion cycles with their counters, newest first",
		InputSchema: inputSchema(map[string]any{"limit": limitProperty}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		cycles, err := svc.RecentCycles(ctx, p.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"cycles": cycles, "count": len(cycles)}, nil
	}

	svc.register(srv, tool, endpoint, kit.DecodeJSON[req])
}

// --- Items ---

func (svc *Service) registerLatestItems(srv *mcp.Server) {
	type req struct {
		Limit int `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "ingest_latest_items",
		Description: "List the items recorded by the last completed cycle with their status (added, filtered_duplicate, filtered_low_score, error)",
		InputSchema: inputSchema(map[string]any{"limit": limitProperty}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		items, err := svc.LatestItems(ctx, p.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"items": items, "count": len(items)}, nil
	}

	svc.register(srv, tool, endpoint, kit.DecodeJSON[req])
}

// --- Sources ---

func (svc *Service) registerSourceStatus(srv *mcp.Server) {
	type req struct {
		SourceID string `json:"source_id"`
	}

	tool := &mcp.Tool{
		Name:        "ingest_source_status",
		Description: "Health of the configured sources: last status, error count, last success, breaker state. Pass source_id for a single source",
		InputSchema: inputSchema(map[string]any{
			"source_id": map[string]any{"type": "string", "description": "Source ID (optional)"},
		}, nil),
	}

	endpoint := func(_ context.Context, r any) (any, error) {
		p := r.(*req)
		if p.SourceID == "" {
			return map[string]any{"sources": svc.SourceStatuses()}, nil
		}
		st, ok := svc.SourceStatus(p.SourceID)
		if !ok {
			return nil, fmt.Errorf("unknown source %q", p.SourceID)
		}
		return st, nil
	}

	svc.register(srv, tool, endpoint, kit.DecodeJSON[req])
}

// --- Stats ---

func (svc *Service) registerStats(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "ingest_stats",
		Description: "Totals of the fetch history ledger and the knowledge store, source health counts and scheduler state",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return svc.Stats(ctx)
	}

	svc.register(srv, tool, endpoint, kit.DecodeJSON[req])
}

func (svc *Service) registerKnowledgeGaps(srv *mcp.Server) {
	type req struct {
		Gaps *[]string `json:"gaps"`
	}

	tool := &mcp.Tool{
		Name:        "ingest_knowledge_gaps",
		Description: "Get or replace the knowledge gap topics. Entries mentioning a gap topic are stored first in the next cycles",
		InputSchema: inputSchema(map[string]any{
			"gaps": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "New gap topics; omit to read the current ones",
			},
		}, nil),
	}

	endpoint := func(_ context.Context, r any) (any, error) {
		p := r.(*req)
		if p.Gaps != nil {
			svc.SetKnowledgeGaps(*p.Gaps)
		}
		return map[string]any{"gaps": svc.KnowledgeGaps()}, nil
	}

	svc.register(srv, tool, endpoint, kit.DecodeJSON[req])
}
