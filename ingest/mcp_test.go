package ingest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testMCPImpl = &mcp.Implementation{Name: "savoir-test", Version: "0.1.0"}

func mcpSession(t *testing.T, svc *Service) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) *mcp.CallToolResult {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return result
}

func callToolJSON(t *testing.T, session *mcp.ClientSession, name string, args, out any) {
	t.Helper()
	result := callTool(t, session, name, args)
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	if err := json.Unmarshal([]byte(tc.Text), out); err != nil {
		t.Fatalf("CallTool(%s): decode %q: %v", name, tc.Text, err)
	}
}

func TestMCP_ListTools(t *testing.T) {
	session := mcpSession(t, setupTestService(t, nil, true))

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	names := make(map[string]bool)
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"ingest_run_cycle", "ingest_latest_items", "ingest_source_status",
		"ingest_recent_cycles", "ingest_stats", "ingest_knowledge_gaps",
	} {
		if !names[want] {
			t.Errorf("tool %s not registered", want)
		}
	}
}

func TestMCP_RunCycleThenRead(t *testing.T) {
	// WHAT: A cycle started through MCP is visible through the read tools.
	// WHY: Agents drive and inspect the pipeline only through these tools.
	srv := feedServer(t)
	session := mcpSession(t, setupTestService(t, testConfig(srv.URL), true))

	var sum Summary
	callToolJSON(t, session, "ingest_run_cycle", map[string]any{}, &sum)
	if sum.Added != 1 || sum.FilteredLowScore != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	var latest struct {
		Items []Item `json:"items"`
		Count int    `json:"count"`
	}
	callToolJSON(t, session, "ingest_latest_items", map[string]any{"limit": 1}, &latest)
	if latest.Count != 1 {
		t.Fatalf("latest with limit 1: %+v", latest)
	}

	var cycles struct {
		Count int `json:"count"`
	}
	callToolJSON(t, session, "ingest_recent_cycles", map[string]any{}, &cycles)
	if cycles.Count != 1 {
		t.Fatalf("recent cycles: %d", cycles.Count)
	}

	var st SourceStatus
	callToolJSON(t, session, "ingest_source_status", map[string]any{"source_id": "policy-news"}, &st)
	if st.Status != "ok" {
		t.Fatalf("source status = %+v", st)
	}

	var stats Stats
	callToolJSON(t, session, "ingest_stats", map[string]any{}, &stats)
	if stats.Documents != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestMCP_Errors(t *testing.T) {
	// WHAT: Failures surface as tool errors, not protocol errors.
	session := mcpSession(t, setupTestService(t, nil, false))

	if res := callTool(t, session, "ingest_run_cycle", map[string]any{}); !res.IsError {
		t.Error("run cycle without a store should be a tool error")
	}
	if res := callTool(t, session, "ingest_source_status", map[string]any{"source_id": "nope"}); !res.IsError {
		t.Error("unknown source should be a tool error")
	}
}

func TestMCP_KnowledgeGaps(t *testing.T) {
	svc := setupTestService(t, nil, true)
	session := mcpSession(t, svc)

	var out struct {
		Gaps []string `json:"gaps"`
	}
	callToolJSON(t, session, "ingest_knowledge_gaps", map[string]any{"gaps": []string{"Model Cards"}}, &out)
	if len(out.Gaps) != 1 || out.Gaps[0] != "model cards" {
		t.Fatalf("gaps = %v", out.Gaps)
	}

	callToolJSON(t, session, "ingest_knowledge_gaps", map[string]any{}, &out)
	if len(out.Gaps) != 1 {
		t.Fatalf("read-only call changed gaps: %v", out.Gaps)
	}
	if got := svc.KnowledgeGaps(); len(got) != 1 {
		t.Fatalf("service gaps = %v", got)
	}
}
