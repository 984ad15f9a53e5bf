package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/ragmux/internal/ingest"
	"github.com/kalambet/ragmux/internal/pipeline"
)

// NewMCPServer creates an MCP server exposing the query path and the document
// store as tools.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"ragmux",
		"0.1.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("ragmux answers questions by routing them to local models, ingested PDF documents and web search."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a question. The query is routed to a coding, reasoning, document, web search or general model automatically."),
			mcp.WithString("query", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("image", mcp.Description("Optional base64-encoded image to analyze")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("ingest_document",
			mcp.WithDescription("Ingest a PDF from the local filesystem into the document index."),
			mcp.WithString("path", mcp.Description("Absolute path of the PDF file"), mcp.Required()),
		),
		mcpIngestDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Semantically search the ingested documents and return matching chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List ingested documents, newest first."),
			mcp.WithString("status", mcp.Description("Only documents with this status (processing, completed, failed, missing)")),
		),
		mcpListDocuments(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"ragmux://documents/stats",
			"Document Statistics",
			mcp.WithResourceDescription("Counts over the document registry"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpAsk(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		q := pipeline.Query{Text: query}
		if raw := req.GetString("image", ""); raw != "" {
			img, err := decodeImage(raw)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid image: %v", err)), nil
			}
			q.Image = img
		}

		answer, _ := deps.Orchestrator.Run(ctx, q)
		return mcpText(answer), nil
	}
}

func mcpIngestDocument(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}

		if deps.Queue != nil {
			jobID, err := ingest.Enqueue(deps.Queue, path, false)
			if err != nil {
				return mcpError(fmt.Sprintf("failed to queue ingestion: %v", err)), nil
			}
			return mcpText(fmt.Sprintf("Queued %s as job %s", path, jobID)), nil
		}
		if deps.Ingester == nil {
			return mcpError("ingestion is not configured"), nil
		}

		res, ok := deps.Ingester.Ingest(ctx, path)
		if !ok {
			return mcpError(fmt.Sprintf("ingestion rejected: %s", res.Reason)), nil
		}
		b, err := json.Marshal(resultOf(res.Filename, res))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchDocuments(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Search == nil {
			return mcpError("document search is not configured"), nil
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

		hits, err := searchHits(ctx, deps.Search, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(hits) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(hits)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListDocuments(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := req.GetString("status", "")

		views := []DocumentView{}
		for _, d := range deps.Documents.List() {
			if status != "" && d.Status != status {
				continue
			}
			views = append(views, viewOf(d))
		}
		b, err := json.Marshal(views)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal documents: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceStats(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Documents.Stats())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
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
	return mcp.NewToolResultText(text)
}

func mcpError(msg string) *mcp.CallToolResult {
	return mcp.NewToolResultError(msg)
}
