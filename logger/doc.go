// Package logger builds the zap logger used throughout the gateway.
//
// Production mode writes JSON with ISO8601 timestamps under the "timestamp"
// key; development mode writes coloured console output. Both write to
// stderr.
//
// Usage:
//
//	logger, err := logger.New("production", "info")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger.Info("Application started")
package logger
