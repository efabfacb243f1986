package ingest

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/vitrine/kit"
)

// RegisterMCP mounts the pipeline as MCP tools:
// vitrine_update, vitrine_search and vitrine_stats.
func (p *Pipeline) RegisterMCP(srv *mcp.Server) {
	p.registerUpdateTool(srv)
	p.registerSearchTool(srv)
	p.registerStatsTool(srv)
}

type updateReq struct {
	Pages int `json:"pages"`
}

func (p *Pipeline) registerUpdateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "vitrine_update",
		Description: "Harvest every configured catalog up to N pages per site and sync both stores.",
		InputSchema: kit.InputSchema(map[string]any{
			"pages": map[string]any{"type": "integer", "description": "Page budget per site"},
		}, []string{"pages"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return p.Run(ctx, req.(*updateReq).Pages)
	}
	mw := kit.Chain(kit.Logging(p.log, "vitrine_update"), kit.Timeout(p.cfg.RunTimeout))
	kit.RegisterMCPTool(srv, tool, mw(endpoint), kit.DecodeJSON[updateReq]())
}

type searchReq struct {
	Text string `json:"text"`
	Type string `json:"type,omitempty"`
	K    int    `json:"k,omitempty"`
}

func (p *Pipeline) registerSearchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "vitrine_search",
		Description: "Find catalog items similar to a text query or a local image path.",
		InputSchema: kit.InputSchema(map[string]any{
			"text": map[string]any{"type": "string", "description": "Query text, or image path when type is image"},
			"type": map[string]any{"type": "string", "enum": []string{"text", "image"}, "description": "Query type (default: text)"},
			"k":    map[string]any{"type": "integer", "description": "Number of results (default: 10)"},
		}, []string{"text"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*searchReq)
		switch r.Type {
		case "", "text":
			return p.SearchByText(ctx, r.Text, r.K)
		case "image":
			return p.SearchByImage(ctx, r.Text, r.K)
		default:
			return nil, fmt.Errorf("invalid query type %q", r.Type)
		}
	}
	kit.RegisterMCPTool(srv, tool, kit.Logging(p.log, "vitrine_search")(endpoint), kit.DecodeJSON[searchReq]())
}

type statsReq struct {
	Runs int `json:"runs,omitempty"`
}

func (p *Pipeline) registerStatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "vitrine_stats",
		Description: "Report item and vector counts and the latest ingestion runs.",
		InputSchema: kit.InputSchema(map[string]any{
			"runs": map[string]any{"type": "integer", "description": "Recent runs to list (default: 5)"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		n := req.(*statsReq).Runs
		if n <= 0 {
			n = 5
		}
		return p.Stats(ctx, n)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[statsReq]())
}
