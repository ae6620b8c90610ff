// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes the
// gateway to an orchestrating model. It uses the mark3labs/mcp-go library to
// handle the protocol details and registers these tools:
//
//   - execute: a read-only SQL statement or an input-less script
//   - execute_on_data: a script over cached or inline input tables
//   - get_schema and get_table_profile: database introspection
//
// Tool results carry the JSON wire object as text content; failed
// executions set IsError and keep the structured error object.
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, executor, db)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or mount server.HTTPHandler()
package mcpserver
