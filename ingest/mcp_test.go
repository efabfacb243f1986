package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/vitrine/catalog"
)

func mcpSession(t *testing.T, p *Pipeline) *mcp.ClientSession {
	t.Helper()
	impl := &mcp.Implementation{Name: "vitrine-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)
	p.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	session, err := mcp.NewClient(impl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, s *mcp.ClientSession, name string, args any) (string, bool) {
	t.Helper()
	res, err := s.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text, res.IsError
}

func TestMCPTools(t *testing.T) {
	e := newEnv(t)
	h := &fakeHarvester{products: map[string][]catalog.Product{
		"tw": {e.product(t, "tw", "Linen Set", "The Willow Label", true)},
	}}
	s := mcpSession(t, e.pipeline(t, h, "tw"))

	text, isErr := callTool(t, s, "vitrine_update", map[string]any{"pages": 2})
	if isErr {
		t.Fatalf("update failed: %s", text)
	}
	var sum Summary
	if err := json.Unmarshal([]byte(text), &sum); err != nil {
		t.Fatal(err)
	}
	if sum.Items != 1 || sum.Vectors != 1 || sum.PageBudget != 2 {
		t.Fatalf("summary = %+v", sum)
	}

	text, isErr = callTool(t, s, "vitrine_search", map[string]any{"text": "linen"})
	if isErr {
		t.Fatalf("search failed: %s", text)
	}
	var hits []catalog.Hit
	if err := json.Unmarshal([]byte(text), &hits); err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Title != "Linen Set" {
		t.Fatalf("hits = %+v", hits)
	}

	if _, isErr = callTool(t, s, "vitrine_search", map[string]any{"text": "x", "type": "audio"}); !isErr {
		t.Fatal("unknown query type should be a tool error")
	}

	text, isErr = callTool(t, s, "vitrine_stats", map[string]any{})
	if isErr {
		t.Fatalf("stats failed: %s", text)
	}
	var st Stats
	if err := json.Unmarshal([]byte(text), &st); err != nil {
		t.Fatal(err)
	}
	if st.Items != 1 || len(st.Runs) != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

// stallHarvester blocks until the caller gives up.
type stallHarvester struct{}

func (stallHarvester) Harvest(ctx context.Context, _ catalog.Site, _ int) ([]catalog.Product, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// WHAT: runs started over MCP are bounded by RunTimeout.
// WHY: a stuck catalog must not hold the run lock forever.
func TestMCPUpdate_RunTimeout(t *testing.T) {
	e := newEnv(t)
	p, err := New(Config{
		Sites:      []catalog.Site{{ID: "tw"}},
		Harvester:  stallHarvester{},
		Items:      e.items,
		Similarity: e.vecs,
		RunTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	s := mcpSession(t, p)

	start := time.Now()
	text, isErr := callTool(t, s, "vitrine_update", map[string]any{"pages": 1})
	if !isErr {
		t.Fatalf("update should fail on timeout, got %s", text)
	}
	if !strings.Contains(text, "deadline exceeded") {
		t.Errorf("error text = %q", text)
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("update took %v", d)
	}
	if p.Running() {
		t.Error("run lock still held")
	}
}
