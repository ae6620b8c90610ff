// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the gateway's operations as MCP tools using
// the mark3labs/mcp-go library: execute, execute_on_data, get_schema and
// get_table_profile. Every tool answers with the same JSON object the HTTP
// API returns.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/datagate/config"
	"github.com/isdmx/datagate/database"
	"github.com/isdmx/datagate/executor"
	"github.com/isdmx/datagate/result"
)

// Executor runs code on behalf of a tool call
type Executor interface {
	Run(ctx context.Context, language, code string) *result.Result
	RunOnData(ctx context.Context, code string, cacheKeys map[string]string, inputData map[string]any) *result.Result
	ScriptLanguage() string
}

// Inspector describes the relational store
type Inspector interface {
	GetSchema(ctx context.Context) (*database.Schema, error)
	ProfileTable(ctx context.Context, table string) (*database.TableProfile, error)
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	executor  Executor
	inspector Inspector
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, exec Executor, inspector Inspector) (*MCPServer, error) {
	if exec == nil {
		return nil, errors.New("executor is required")
	}

	s := &MCPServer{
		config:    cfg,
		logger:    logger.With(zap.String("component", "mcpserver")),
		executor:  exec,
		inspector: inspector,
	}

	// Log configuration parameters on startup. Secrets are left out.
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("database.dialect", cfg.Database.Dialect),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.String("sandbox.image", cfg.Sandbox.Image),
		zap.Int("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
		zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.Float64("sandbox.cpus", cfg.Sandbox.CPUs),
		zap.String("sandbox.network", cfg.Sandbox.Network),
		zap.String("cache.dir", cfg.Cache.Dir),
		zap.Int("cache.max_size_mb", cfg.Cache.MaxSizeMB),
		zap.Int("cache.ttl_hours", cfg.Cache.TTLHours),
	)

	s.mcpServer = server.NewMCPServer("datagate", "1.0.0", server.WithToolCapabilities(false))

	s.registerExecuteTool()
	s.registerExecuteOnDataTool()
	if inspector != nil {
		s.registerSchemaTools()
	}

	return s, nil
}

func (s *MCPServer) registerExecuteTool() {
	tool := mcp.NewTool("execute",
		mcp.WithDescription("Run a read-only SQL statement against the client database, or a script whose code binds result_df"),
		mcp.WithString("language",
			mcp.Required(),
			mcp.Description("Code language"),
			mcp.Enum(executor.LanguageSQL, s.executor.ScriptLanguage()),
		),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("SQL statement or script source"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleExecute)
}

func (s *MCPServer) registerExecuteOnDataTool() {
	tool := mcp.NewTool("execute_on_data",
		mcp.WithDescription("Run a script on named input tables taken from the dataset cache or supplied inline; the code must bind result_df"),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Script source"),
		),
		mcp.WithObject("cache_keys",
			mcp.Description("Input name to cache key returned by an earlier execution"),
		),
		mcp.WithObject("input_data",
			mcp.Description("Input name to split-orient table {columns, data}, used when the cache key is absent or evicted"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleExecuteOnData)
}

func (s *MCPServer) registerSchemaTools() {
	s.mcpServer.AddTool(mcp.NewTool("get_schema",
		mcp.WithDescription("List the tables and columns of the client database"),
	), s.handleGetSchema)

	s.mcpServer.AddTool(mcp.NewTool("get_table_profile",
		mcp.WithDescription("Profile the columns of one table: null counts, histograms, frequent values"),
		mcp.WithString("table",
			mcp.Required(),
			mcp.Description("Table name as reported by get_schema"),
		),
	), s.handleGetTableProfile)
}

func (s *MCPServer) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	language, err := request.RequireString("language")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.logger.Info("execution requested", zap.String("language", language), zap.Int("code_bytes", len(code)))
	return s.toolResult(s.executor.Run(ctx, language, code))
}

func (s *MCPServer) handleExecuteOnData(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	args := request.GetArguments()
	cacheKeys, err := stringMap(args["cache_keys"])
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cache_keys: %v", err)), nil
	}
	inputData, _ := args["input_data"].(map[string]any)
	if args["input_data"] != nil && inputData == nil {
		return mcp.NewToolResultError("invalid input_data: expected an object"), nil
	}

	s.logger.Info("execution on data requested",
		zap.Int("code_bytes", len(code)),
		zap.Int("cache_keys", len(cacheKeys)),
		zap.Int("inline_inputs", len(inputData)),
	)
	return s.toolResult(s.executor.RunOnData(ctx, code, cacheKeys, inputData))
}

func (s *MCPServer) handleGetSchema(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	schema, err := s.inspector.GetSchema(ctx)
	if err != nil {
		s.logger.Error("schema inspection failed", zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("failed to read schema: %v", err)), nil
	}
	return jsonResult(schema, false)
}

func (s *MCPServer) handleGetTableProfile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	table, err := request.RequireString("table")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	profile, err := s.inspector.ProfileTable(ctx, table)
	if err != nil {
		if !errors.Is(err, database.ErrTableNotFound) {
			s.logger.Error("table profiling failed", zap.String("table", table), zap.Error(err))
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(profile, false)
}

func (s *MCPServer) toolResult(res *result.Result) (*mcp.CallToolResult, error) {
	if res.IsError() {
		s.logger.Info("execution failed", zap.String("type", string(res.ErrorKind())))
	}
	return jsonResult(res, res.IsError())
}

func jsonResult(v any, isError bool) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	res := mcp.NewToolResultText(string(raw))
	res.IsError = isError
	return res, nil
}

func stringMap(v any) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("expected an object")
	}
	out := make(map[string]string, len(raw))
	for name, value := range raw {
		key, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("value of %q is not a string", name)
		}
		out[name] = key
	}
	return out, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// HTTPHandler returns the streamable HTTP handler, mounted by the api package
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
