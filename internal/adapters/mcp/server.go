package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/scanmaster/internal/core/ports"
)

// Server exposes the read and chat paths as MCP tools over stdio, so agent
// frontends can query document state without going through the HTTP API.
type Server struct {
	mcpServer *server.MCPServer
}

func NewServer(reader ports.DocumentReader, chat ports.DocumentChat, version string) *Server {
	s := server.NewMCPServer("scanmaster", version)

	statusTool := mcp.NewTool("document_status",
		mcp.WithDescription("Fetch the processing status and metadata of one document."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the document.")),
		mcp.WithString("document_id", mcp.Required(), mcp.Description("Document identifier.")),
	)
	s.AddTool(statusTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		documentID, err := req.RequireString("document_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		doc, err := reader.GetOwned(ctx, userID, documentID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		payload, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("marshal document: %w", err)
		}
		return mcp.NewToolResultText(string(payload)), nil
	})

	askTool := mcp.NewTool("ask_document",
		mcp.WithDescription("Ask a question about a chat-ready document; answers come from the document's indexed content only."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the document.")),
		mcp.WithString("document_id", mcp.Required(), mcp.Description("Document identifier.")),
		mcp.WithString("question", mcp.Required(), mcp.Description("The question to answer.")),
	)
	s.AddTool(askTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		documentID, err := req.RequireString("document_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		answer, err := chat.Answer(ctx, userID, documentID, question)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		payload, err := json.Marshal(answer)
		if err != nil {
			return nil, fmt.Errorf("marshal answer: %w", err)
		}
		return mcp.NewToolResultText(string(payload)), nil
	})

	return &Server{mcpServer: s}
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}
