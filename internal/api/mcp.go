package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/expd/internal/experiment"
	"github.com/kalambet/expd/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Engine  *experiment.Service
	Store   ExperimentReader
	Version string
}

// NewMCPServer creates an MCP server exposing assignment lookups and
// experiment reports to agents.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"expd",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("expd runs A/B experiments on AI responses: look up which arm a subject sees and read experiment results."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_assignment",
			mcp.WithDescription("Return the arm and configuration a subject should see for the running experiment of a category."),
			mcp.WithString("category", mcp.Description("Experiment category: "+storage.CategoryList()), mcp.Required()),
			mcp.WithString("subject_id", mcp.Description("Stable subject id, hashed even when empty; omit for a random assignment")),
		),
		mcpGetAssignment(deps),
	)

	s.AddTool(
		mcp.NewTool("list_experiments",
			mcp.WithDescription("List experiments, newest first."),
			mcp.WithString("status", mcp.Description("Comma-separated statuses to include (draft, running, paused, completed)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListExperiments(deps),
	)

	s.AddTool(
		mcp.NewTool("experiment_report",
			mcp.WithDescription("Return an experiment with its lift and per-arm conversion rates."),
			mcp.WithString("id", mcp.Description("Experiment id"), mcp.Required()),
		),
		mcpExperimentReport(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"experiments://running",
			"Running Experiments",
			mcp.WithResourceDescription("Every running experiment as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRunning(deps),
	)

	return s
}

func mcpGetAssignment(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		category, err := req.RequireString("category")
		if err != nil {
			return mcpError("category is required"), nil
		}
		ar := AssignmentRequest{Category: storage.Category(category)}
		if err := validate.Struct(ar); err != nil {
			return mcpError(validationMessage(err)), nil
		}
		// Same rule as POST /assignments: only an absent id is random.
		if subject, ok := req.GetArguments()["subject_id"].(string); ok {
			ar.SubjectID = &subject
		}

		a := deps.Engine.GetAssignment(ctx, ar.SubjectID, ar.Category)
		if a == nil {
			return mcpText("null"), nil
		}
		return mcpJSON(a)
	}
}

func mcpListExperiments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		statuses, err := parseStatuses([]string{req.GetString("status", "")})
		if err != nil {
			return mcpError(err.Error()), nil
		}
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		exps, err := deps.Store.ListExperiments(ctx, statuses, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list experiments: %v", err)), nil
		}
		if exps == nil {
			exps = []storage.Experiment{}
		}
		return mcpJSON(exps)
	}
}

func mcpExperimentReport(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		e, err := deps.Store.GetExperiment(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("experiment %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get experiment: %v", err)), nil
		}
		return mcpJSON(experiment.BuildReport(e))
	}
}

func mcpResourceRunning(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		exps, err := deps.Store.ListExperiments(ctx, []storage.Status{storage.StatusRunning}, 100)
		if err != nil {
			return nil, fmt.Errorf("listing running experiments: %w", err)
		}
		if exps == nil {
			exps = []storage.Experiment{}
		}

		b, err := json.Marshal(exps)
		if err != nil {
			return nil, fmt.Errorf("marshaling experiments: %w", err)
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

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
