// Package tools exposes the Salesforce tool catalogue over the Model Context
// Protocol. Every tool resolves a live connection for the calling user from
// the credential registry, so a successful OAuth flow is a prerequisite for
// every call.
package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/forcebridge/mcp-salesforce/connection"
	"github.com/forcebridge/mcp-salesforce/lifecycle"
)

// Service wires the tool catalogue onto an MCP server. Each tool call counts
// as an in-flight operation for the shutdown drain and is rejected once
// draining has started.
type Service struct {
	factory     *connection.Factory
	coordinator *lifecycle.Coordinator
	logger      *slog.Logger
	mcpServer   *server.MCPServer
}

// Config holds the tool service dependencies
type Config struct {
	// Factory builds authenticated connection handles (required)
	Factory *connection.Factory

	// Coordinator gates new tool calls during shutdown (required)
	Coordinator *lifecycle.Coordinator

	// ServerName identifies the MCP server (default "mcp-salesforce")
	ServerName string

	// ServerVersion is reported during the MCP handshake
	ServerVersion string

	// Logger for structured logging (optional)
	Logger *slog.Logger
}

// NewService creates the tool service and registers the tool catalogue
func NewService(cfg Config) (*Service, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("factory is required")
	}
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "mcp-salesforce"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "0.0.0-dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mcpServer := server.NewMCPServer(
		cfg.ServerName,
		cfg.ServerVersion,
		server.WithToolCapabilities(false),
	)

	s := &Service{
		factory:     cfg.Factory,
		coordinator: cfg.Coordinator,
		logger:      logger,
		mcpServer:   mcpServer,
	}
	s.registerTools()

	return s, nil
}

// MCPServer returns the underlying MCP server for transport wiring
func (s *Service) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves the MCP protocol over stdin/stdout until the client
// closes the connection
func (s *Service) ServeStdio(ctx context.Context) error {
	return server.ServeStdio(s.mcpServer)
}

// registerTools registers the Salesforce tool catalogue
func (s *Service) registerTools() {
	queryTool := mcp.NewTool("salesforce_query",
		mcp.WithDescription("Run a SOQL query against the connected Salesforce org"),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("Application user whose connection to use"),
		),
		mcp.WithString("soql",
			mcp.Required(),
			mcp.Description("The SOQL query to execute"),
		),
	)
	s.mcpServer.AddTool(queryTool, s.handleQuery)

	describeTool := mcp.NewTool("salesforce_describe_object",
		mcp.WithDescription("Describe an object's fields and metadata"),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("Application user whose connection to use"),
		),
		mcp.WithString("object",
			mcp.Required(),
			mcp.Description("API name of the object, e.g. Account"),
		),
	)
	s.mcpServer.AddTool(describeTool, s.handleDescribeObject)

	createTool := mcp.NewTool("salesforce_create_record",
		mcp.WithDescription("Create a record on an object"),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("Application user whose connection to use"),
		),
		mcp.WithString("object",
			mcp.Required(),
			mcp.Description("API name of the object"),
		),
		mcp.WithObject("fields",
			mcp.Required(),
			mcp.Description("Field values for the new record"),
		),
	)
	s.mcpServer.AddTool(createTool, s.handleCreateRecord)

	updateTool := mcp.NewTool("salesforce_update_record",
		mcp.WithDescription("Update fields on an existing record"),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("Application user whose connection to use"),
		),
		mcp.WithString("object",
			mcp.Required(),
			mcp.Description("API name of the object"),
		),
		mcp.WithString("record_id",
			mcp.Required(),
			mcp.Description("ID of the record to update"),
		),
		mcp.WithObject("fields",
			mcp.Required(),
			mcp.Description("Field values to change"),
		),
	)
	s.mcpServer.AddTool(updateTool, s.handleUpdateRecord)

	readApexTool := mcp.NewTool("salesforce_read_apex",
		mcp.WithDescription("Read the body of an Apex class"),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("Application user whose connection to use"),
		),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Name of the Apex class"),
		),
	)
	s.mcpServer.AddTool(readApexTool, s.handleReadApex)

	writeApexTool := mcp.NewTool("salesforce_write_apex",
		mcp.WithDescription("Create or replace the body of an Apex class"),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("Application user whose connection to use"),
		),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Name of the Apex class"),
		),
		mcp.WithString("body",
			mcp.Required(),
			mcp.Description("Full Apex source to store"),
		),
	)
	s.mcpServer.AddTool(writeApexTool, s.handleWriteApex)
}
