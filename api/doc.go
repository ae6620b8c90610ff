// Package api serves the gateway over HTTP.
//
// Routes:
//
//	GET  /health                  liveness, no authentication
//	GET  /schema                  database tables and columns
//	GET  /schema/{table}/profile  per-column profile of one table
//	POST /execute                 {language, code}
//	POST /execute-on-data         {code, cache_keys?, input_data?}
//	     /mcp                     MCP streamable HTTP transport, when mounted
//	GET  /metrics                 Prometheus exposition, when mounted
//
// Every route except /health requires "Authorization: Bearer <token>".
// Execution failures keep the structured result object as the body; the
// status is 403 for PERMISSION_ERROR and 400 for every other kind.
package api
