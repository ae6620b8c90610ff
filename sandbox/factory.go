package sandbox

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/isdmx/datagate/sandbox/unit"
)

// localInterpreter runs the bundled unit runner when no local command is set
const localInterpreter = "python3"

// NewRuntime creates the Runtime selected by config.Backend
func NewRuntime(logger *zap.Logger, config Config) (Runtime, error) {
	switch config.Backend {
	case "docker":
		return NewDockerRuntime(logger), nil
	case "podman":
		return NewPodmanRuntime(logger), nil
	case "local":
		command := config.LocalCommand
		if len(command) == 0 {
			path, err := installUnitRunner()
			if err != nil {
				return nil, err
			}
			logger.Info("Using the bundled unit runner for the local backend", zap.String("path", path))
			command = []string{localInterpreter, path}
		}
		return NewLocalRuntime(logger, command), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", config.Backend)
	}
}

func installUnitRunner() (string, error) {
	dir, err := os.MkdirTemp("", "datagate-unit-")
	if err != nil {
		return "", fmt.Errorf("create unit runner dir: %w", err)
	}
	return unit.Install(dir)
}
