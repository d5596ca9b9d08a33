package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/forgeworks/forged/internal/build"
	"github.com/forgeworks/forged/internal/cache"
	"github.com/forgeworks/forged/internal/memory"
)

// MCPDeps holds dependencies for the MCP server. Memory and Monitor are
// optional; the corresponding tools report that they are unavailable.
type MCPDeps struct {
	Executor Executor
	Cache    *cache.Cache
	Memory   *memory.Store
	Monitor  HealthReporter
}

// NewMCPServer creates an MCP server with the build tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"forged",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("forged turns a natural-language instruction into a verified, ready-to-use project."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("build_project",
			mcp.WithDescription("Build a project from a natural-language instruction. Returns generated files and a quality report."),
			mcp.WithString("instruction", mcp.Description("What to build"), mcp.Required()),
			mcp.WithString("app_name", mcp.Description("Name for the project")),
			mcp.WithString("app_type", mcp.Description("One of: cli, webapp, api, library, script")),
			mcp.WithString("strictness", mcp.Description("Verification strictness: lenient, standard, or strict")),
			mcp.WithBoolean("run_tests", mcp.Description("Run generated validation checks before delivery")),
		),
		mcpBuildProject(deps),
	)

	s.AddTool(
		mcp.NewTool("find_similar",
			mcp.WithDescription("Find past build requests similar to a query, most similar first."),
			mcp.WithString("query", mcp.Description("Instruction text to match against"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpFindSimilar(deps),
	)

	s.AddTool(
		mcp.NewTool("pipeline_health",
			mcp.WithDescription("Report pipeline health: recent errors, repair outcomes, and cache effectiveness."),
		),
		mcpPipelineHealth(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"forged://patterns",
			"Detected Patterns",
			mcp.WithResourceDescription("Structural patterns detected across delivered projects"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePatterns(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"forged://recent",
			"Recent Projects",
			mcp.WithResourceDescription("Last 10 recorded build requests"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpBuildProject(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		instruction, err := req.RequireString("instruction")
		if err != nil {
			return mcpError("instruction is required"), nil
		}

		buildReq := build.Request{
			Instruction: instruction,
			AppName:     req.GetString("app_name", ""),
			AppType:     build.AppType(req.GetString("app_type", "")),
			Options: build.Options{
				Strictness: build.Strictness(req.GetString("strictness", "")),
				RunTests:   req.GetBool("run_tests", false),
			},
		}

		resp := deps.Executor.Execute(ctx, buildReq)
		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		if !resp.Success {
			return mcpError(string(b)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpFindSimilar(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Memory == nil {
			return mcpError("memory store not configured"), nil
		}

		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		records, err := deps.Memory.FindSimilar(query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("similarity search failed: %v", err)), nil
		}
		if len(records) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(records)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpPipelineHealth(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out := map[string]any{"status": "ok"}
		if deps.Monitor != nil {
			h := deps.Monitor.Health()
			out["repair"] = h
			out["status"] = h.Status
		}
		if deps.Cache != nil {
			out["cache"] = deps.Cache.Stats()
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal health: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourcePatterns(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.Memory == nil {
			return nil, fmt.Errorf("memory store not configured")
		}

		patterns, err := deps.Memory.DetectedPatterns()
		if err != nil {
			return nil, fmt.Errorf("listing patterns: %w", err)
		}

		b, err := json.Marshal(patterns)
		if err != nil {
			return nil, fmt.Errorf("marshalling patterns: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.Memory == nil {
			return nil, fmt.Errorf("memory store not configured")
		}

		records, err := deps.Memory.RecentProjects(10)
		if err != nil {
			return nil, fmt.Errorf("listing projects: %w", err)
		}

		type recordSummary struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Summary   string `json:"summary"`
			Outcome   string `json:"outcome"`
		}
		summaries := make([]recordSummary, len(records))
		for i, rec := range records {
			summaries[i] = recordSummary{
				ID:        rec.ID,
				CreatedAt: rec.CreatedAt.Format(time.RFC3339),
				Summary:   rec.RequestSummary,
				Outcome:   string(rec.Outcome),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("marshalling projects: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
