package sandbox

import (
	"go.uber.org/zap"
)

// NewPodmanRuntime creates a Runtime backed by the podman CLI. Podman
// accepts the same run, wait, logs, stop and rm command lines as docker.
func NewPodmanRuntime(logger *zap.Logger, opts ...CLIRuntimeOption) *CLIRuntime {
	return newCLIRuntime(logger, "podman", []string{"image not known", "Unable to find image", "no such image"}, opts...)
}
