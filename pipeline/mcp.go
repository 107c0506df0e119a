package pipeline

import (
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/JeanSilva08/data-flow-pipeline/kit"
	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

// RegisterMCP registers the collection tools on an MCP server.
func (p *Pipeline) RegisterMCP(srv *mcp.Server) {
	sources := make([]any, 0, len(metric.Sources()))
	names := make([]string, 0, len(metric.Sources()))
	for _, s := range metric.Sources() {
		sources = append(sources, string(s))
		names = append(names, string(s))
	}

	kit.AddTool[collectRequest](srv, &mcp.Tool{
		Name:        "collect_metrics",
		Description: "Run one collection for a metric source over the whole catalogue and return the run report. Sources: " + strings.Join(names, ", ") + ".",
		InputSchema: inputSchema(map[string]any{
			"source": map[string]any{"type": "string", "enum": sources, "description": "Metric source to collect"},
		}, []string{"source"}),
	}, p.collectEndpoint())

	kit.AddTool[struct{}](srv, &mcp.Tool{
		Name:        "aggregate_metrics",
		Description: "Recompute the latest snapshot per entity and the per-artist media kit from all observations.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, p.aggregateEndpoint())

	kit.AddTool[mediaKitRequest](srv, &mcp.Tool{
		Name:        "get_media_kit",
		Description: "Return the media-kit rows (audience totals per artist). Omit artist_id to list every artist.",
		InputSchema: inputSchema(map[string]any{
			"artist_id": map[string]any{"type": "integer", "description": "Catalogue artist ID"},
		}, nil),
	}, p.mediaKitEndpoint())

	kit.AddTool[runsRequest](srv, &mcp.Tool{
		Name:        "list_runs",
		Description: "Return the most recent collection run reports, newest first.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Maximum number of runs (default 50)"},
		}, nil),
	}, p.runsEndpoint())
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
