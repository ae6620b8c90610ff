package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/datagate/config"
	"github.com/isdmx/datagate/database"
	"github.com/isdmx/datagate/result"
)

// MockExecutor implements Executor for testing
type MockExecutor struct {
	result    *result.Result
	language  string
	code      string
	cacheKeys map[string]string
	inputData map[string]any
}

func (m *MockExecutor) Run(_ context.Context, language, code string) *result.Result {
	m.language, m.code = language, code
	return m.result
}

func (m *MockExecutor) RunOnData(_ context.Context, code string, cacheKeys map[string]string, inputData map[string]any) *result.Result {
	m.code, m.cacheKeys, m.inputData = code, cacheKeys, inputData
	return m.result
}

func (m *MockExecutor) ScriptLanguage() string { return "python" }

// MockInspector implements Inspector for testing
type MockInspector struct {
	schema  *database.Schema
	profile *database.TableProfile
	err     error
}

func (m *MockInspector) GetSchema(context.Context) (*database.Schema, error) {
	return m.schema, m.err
}

func (m *MockInspector) ProfileTable(_ context.Context, table string) (*database.TableProfile, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.profile == nil || m.profile.TableName != table {
		return nil, fmt.Errorf("%w: %s", database.ErrTableNotFound, table)
	}
	return m.profile, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Transport: "stdio", HTTPPort: 8080},
		Database: config.DatabaseConfig{Dialect: "sqlite"},
		Sandbox:  config.SandboxConfig{Backend: "docker", TimeoutSec: 30, MemoryMB: 256, CPUs: 0.5},
		Cache:    config.CacheConfig{Dir: "/tmp/cache", TTLHours: 12, MaxSizeMB: 512, CleanupTargetMB: 400},
		Logging:  config.LoggingConfig{Mode: "production", Level: "info"},
	}
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "content is %T", res.Content[0])
	return text.Text
}

func successResult() *result.Result {
	res := result.Success(result.Metadata{RowCount: 1}, result.Data{
		Columns: []string{"n"},
		Rows:    [][]any{{int64(1)}},
	})
	res.CacheKey = "key-1"
	return res
}

func TestNewMCPServer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := testConfig()
	exec := &MockExecutor{}
	inspector := &MockInspector{}

	server, err := New(cfg, logger, exec, inspector)
	require.NoError(t, err)
	require.NotNil(t, server)
	assert.Equal(t, cfg, server.config)
	assert.Equal(t, exec, server.executor)
	assert.NotNil(t, server.GetMCPServer())
	assert.NotNil(t, server.HTTPHandler())
}

func TestNewMCPServer_RequiresExecutor(t *testing.T) {
	_, err := New(testConfig(), zaptest.NewLogger(t), nil, nil)
	require.Error(t, err)
}

func TestHandleExecute(t *testing.T) {
	exec := &MockExecutor{result: successResult()}
	server, err := New(testConfig(), zaptest.NewLogger(t), exec, nil)
	require.NoError(t, err)

	res, err := server.handleExecute(context.Background(), callRequest("execute", map[string]any{
		"language": "sql",
		"code":     "SELECT 1 AS n",
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "sql", exec.language)
	assert.Equal(t, "SELECT 1 AS n", exec.code)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &body))
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "key-1", body["cache_key"])
}

func TestHandleExecute_ErrorResult(t *testing.T) {
	exec := &MockExecutor{result: result.Failure(result.KindPermission, "Only SELECT statements are allowed")}
	server, err := New(testConfig(), zaptest.NewLogger(t), exec, nil)
	require.NoError(t, err)

	res, err := server.handleExecute(context.Background(), callRequest("execute", map[string]any{
		"language": "sql",
		"code":     "DROP TABLE users",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.JSONEq(t,
		`{"status":"error","error":{"type":"PERMISSION_ERROR","message":"Only SELECT statements are allowed"}}`,
		textOf(t, res))
}

func TestHandleExecute_MissingArguments(t *testing.T) {
	exec := &MockExecutor{result: successResult()}
	server, err := New(testConfig(), zaptest.NewLogger(t), exec, nil)
	require.NoError(t, err)

	res, err := server.handleExecute(context.Background(), callRequest("execute", map[string]any{"language": "sql"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Empty(t, exec.code)
}

func TestHandleExecuteOnData(t *testing.T) {
	exec := &MockExecutor{result: successResult()}
	server, err := New(testConfig(), zaptest.NewLogger(t), exec, nil)
	require.NoError(t, err)

	inline := map[string]any{"columns": []any{"n"}, "data": []any{[]any{1.0}}}
	res, err := server.handleExecuteOnData(context.Background(), callRequest("execute_on_data", map[string]any{
		"code":       "result_df = df",
		"cache_keys": map[string]any{"df": "abc"},
		"input_data": map[string]any{"df": inline},
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, map[string]string{"df": "abc"}, exec.cacheKeys)
	assert.Equal(t, map[string]any{"df": inline}, exec.inputData)
}

func TestHandleExecuteOnData_InvalidCacheKeys(t *testing.T) {
	exec := &MockExecutor{result: successResult()}
	server, err := New(testConfig(), zaptest.NewLogger(t), exec, nil)
	require.NoError(t, err)

	res, err := server.handleExecuteOnData(context.Background(), callRequest("execute_on_data", map[string]any{
		"code":       "result_df = df",
		"cache_keys": map[string]any{"df": 42.0},
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "cache_keys")
	assert.Empty(t, exec.code)
}

func TestHandleGetSchema(t *testing.T) {
	inspector := &MockInspector{schema: &database.Schema{
		Dialect: "sqlite",
		Schema: database.SchemaTables{Tables: []database.TableInfo{{
			Name:    "users",
			Columns: []database.ColumnInfo{{Name: "id", Type: "INTEGER", IsPrimaryKey: true}},
		}}},
	}}
	server, err := New(testConfig(), zaptest.NewLogger(t), &MockExecutor{}, inspector)
	require.NoError(t, err)

	res, err := server.handleGetSchema(context.Background(), callRequest("get_schema", nil))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var schema database.Schema
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &schema))
	assert.Equal(t, "sqlite", schema.Dialect)
	require.Len(t, schema.Schema.Tables, 1)
	assert.Equal(t, "users", schema.Schema.Tables[0].Name)
}

func TestHandleGetSchema_Error(t *testing.T) {
	server, err := New(testConfig(), zaptest.NewLogger(t), &MockExecutor{}, &MockInspector{err: errors.New("connection refused")})
	require.NoError(t, err)

	res, err := server.handleGetSchema(context.Background(), callRequest("get_schema", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "connection refused")
}

func TestHandleGetTableProfile(t *testing.T) {
	inspector := &MockInspector{profile: &database.TableProfile{TableName: "users"}}
	server, err := New(testConfig(), zaptest.NewLogger(t), &MockExecutor{}, inspector)
	require.NoError(t, err)

	res, err := server.handleGetTableProfile(context.Background(), callRequest("get_table_profile", map[string]any{"table": "users"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, textOf(t, res), `"table_name":"users"`)

	res, err = server.handleGetTableProfile(context.Background(), callRequest("get_table_profile", map[string]any{"table": "orders"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "table not found")
}
