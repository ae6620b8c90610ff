// Package unit carries the program that runs inside every sandbox unit.
//
// The runner reads PYTHON_CODE_TO_EXECUTE, INPUT_DATA_JSON and DATABASE_URL,
// executes the script, requires it to bind result_df to a DataFrame, enriches
// the frame and prints the result object as the last line of stdout. The
// Dockerfile next to it builds the default sandbox image, which installs the
// runner as its entrypoint.
package unit

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

// ScriptName is the runner's file name
const ScriptName = "runner.py"

//go:embed runner.py
var script []byte

// Script returns the runner source
func Script() []byte {
	return script
}

// Install writes the runner into dir and returns its path
func Install(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create unit dir: %w", err)
	}
	path := filepath.Join(dir, ScriptName)
	if err := os.WriteFile(path, script, 0o644); err != nil {
		return "", fmt.Errorf("write unit runner: %w", err)
	}
	return path, nil
}
