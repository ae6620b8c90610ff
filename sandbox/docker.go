package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CLIRuntime implements Runtime by driving a container engine CLI
type CLIRuntime struct {
	logger        *zap.Logger
	binary        string
	cmdRunner     CommandRunner
	missingImages []string // stderr fragments reported for a missing image
}

// CLIRuntimeOption defines a functional option for CLIRuntime
type CLIRuntimeOption func(*CLIRuntime)

// WithCommandRunner sets the CommandRunner for CLIRuntime
func WithCommandRunner(cmdRunner CommandRunner) CLIRuntimeOption {
	return func(c *CLIRuntime) {
		c.cmdRunner = cmdRunner
	}
}

// WithBinary overrides the CLI executable, e.g. an absolute path
func WithBinary(binary string) CLIRuntimeOption {
	return func(c *CLIRuntime) {
		c.binary = binary
	}
}

// NewDockerRuntime creates a Runtime backed by the docker CLI
func NewDockerRuntime(logger *zap.Logger, opts ...CLIRuntimeOption) *CLIRuntime {
	return newCLIRuntime(logger, "docker", []string{"No such image", "Unable to find image", "pull access denied"}, opts...)
}

func newCLIRuntime(logger *zap.Logger, binary string, missingImages []string, opts ...CLIRuntimeOption) *CLIRuntime {
	runtime := &CLIRuntime{
		logger:        logger.With(zap.String("component", "sandbox."+binary)),
		binary:        binary,
		cmdRunner:     &RealCommandRunner{}, // Default implementation
		missingImages: missingImages,
	}

	// Apply options
	for _, opt := range opts {
		opt(runtime)
	}

	return runtime
}

// runArgs builds the run command line. Environment values are never placed
// in argv: each variable is passed by name and resolved by the CLI from its
// own environment.
func (c *CLIRuntime) runArgs(spec UnitSpec) (args, env []string) {
	args = []string{
		c.binary, "run",
		"--detach",
		"--pull=never",
		"--name", spec.Name,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
	}

	if spec.Limits.MemoryMB > 0 {
		memory := fmt.Sprintf("%dm", spec.Limits.MemoryMB)
		args = append(args, "--memory", memory, "--memory-swap", memory)
	}
	if spec.Limits.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.Limits.CPUs, 'f', -1, 64))
	}
	if spec.Limits.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(spec.Limits.PidsLimit))
	}
	if spec.Limits.Network != "" {
		args = append(args, "--network", spec.Limits.Network)
	}

	names := make([]string, 0, len(spec.Env))
	for name := range spec.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		args = append(args, "-e", name)
		env = append(env, name+"="+spec.Env[name])
	}

	return append(args, spec.Image), env
}

// Run starts a detached container
func (c *CLIRuntime) Run(ctx context.Context, spec UnitSpec) (Handle, error) {
	args, env := c.runArgs(spec)

	stdout, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, env, args)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to start %s: %w", c.binary, err)
	}
	if exitCode != 0 {
		if c.isMissingImage(stderr) {
			return Handle{}, fmt.Errorf("%w: %s", ErrImageNotFound, spec.Image)
		}
		return Handle{}, fmt.Errorf("%s run exited with status %d: %s", c.binary, exitCode, strings.TrimSpace(stderr))
	}

	id := strings.TrimSpace(stdout)
	if lines := strings.Split(id, "\n"); len(lines) > 1 {
		id = strings.TrimSpace(lines[len(lines)-1])
	}
	if id == "" {
		id = spec.Name
	}

	c.logger.Debug("Started unit", zap.String("name", spec.Name), zap.String("id", id))
	return Handle{ID: id, Name: spec.Name}, nil
}

func (c *CLIRuntime) isMissingImage(stderr string) bool {
	for _, marker := range c.missingImages {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

// Wait blocks until the container exits
func (c *CLIRuntime) Wait(ctx context.Context, h Handle) (int, error) {
	stdout, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, nil, []string{c.binary, "wait", h.ID})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, ctxErr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to wait for unit: %w", err)
	}
	if exitCode != 0 {
		return 0, fmt.Errorf("%s wait exited with status %d: %s", c.binary, exitCode, strings.TrimSpace(stderr))
	}

	status, err := strconv.Atoi(strings.TrimSpace(stdout))
	if err != nil {
		return 0, fmt.Errorf("unexpected %s wait output %q", c.binary, strings.TrimSpace(stdout))
	}
	return status, nil
}

// Logs returns the container's stdout and stderr
func (c *CLIRuntime) Logs(ctx context.Context, h Handle) (string, string, error) {
	stdout, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, nil, []string{c.binary, "logs", h.ID})
	if err != nil {
		return "", "", fmt.Errorf("failed to read unit logs: %w", err)
	}
	if exitCode != 0 {
		return "", "", fmt.Errorf("%s logs exited with status %d: %s", c.binary, exitCode, strings.TrimSpace(stderr))
	}
	return stdout, stderr, nil
}

// Stop sends the stop signal and lets the engine kill the container after grace
func (c *CLIRuntime) Stop(ctx context.Context, h Handle, grace time.Duration) error {
	seconds := strconv.Itoa(int(grace.Round(time.Second) / time.Second))
	_, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, nil, []string{c.binary, "stop", "-t", seconds, h.ID})
	if err != nil {
		return fmt.Errorf("failed to stop unit: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("%s stop exited with status %d: %s", c.binary, exitCode, strings.TrimSpace(stderr))
	}
	return nil
}

// Remove force-removes the container
func (c *CLIRuntime) Remove(ctx context.Context, h Handle) error {
	_, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, nil, []string{c.binary, "rm", "-f", h.ID})
	if err != nil {
		return fmt.Errorf("failed to remove unit: %w", err)
	}
	if exitCode != 0 && !strings.Contains(stderr, "No such container") && !strings.Contains(stderr, "no such container") {
		return fmt.Errorf("%s rm exited with status %d: %s", c.binary, exitCode, strings.TrimSpace(stderr))
	}
	return nil
}
