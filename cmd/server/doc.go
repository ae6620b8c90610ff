// Package main is the entry point for the datagate server.
//
// The binary wires the gateway with fx: configuration (viper), logging (zap),
// the relational store (gorm), the sandbox runner, the dataset cache, the
// execution coordinator, the MCP server and the HTTP API. With the http
// transport it also registers with the orchestrator in the background.
package main
