// Package sandbox provides secure code execution capabilities.
//
// The sandbox package runs untrusted scripts in ephemeral isolated units.
// A Runner creates one unit per invocation through a Runtime, hands the code,
// the serialized inputs and the database URL to it through environment
// variables, waits for it under a wall-clock bound, parses the single result
// object it prints, and removes the unit on every exit path.
//
// Runtimes exist for Docker and Podman (driven through their CLIs) and for
// plain host processes (development only, no isolation).
//
// Usage:
//
//	rt, err := sandbox.NewRuntime(logger, cfg)
//	runner := sandbox.NewRunner(rt, cfg, logger)
//	res, err := runner.Execute(ctx, sandbox.Request{
//	    Code:        "result_df = input_data['df'].head()",
//	    InputsJSON:  inputs,
//	    DatabaseURL: dbURL,
//	})
package sandbox
