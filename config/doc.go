// Package config provides application configuration management.
//
// The config package loads and validates the gateway configuration from a
// YAML file. Every key can be overridden from the environment with the
// DATAGATE_ prefix, dots replaced by underscores (DATAGATE_AUTH_TOKEN,
// DATAGATE_SANDBOX_TIMEOUT_SEC). DATAGATE_CONFIG names an explicit file.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Server transport: %s\n", cfg.Server.Transport)
package config
