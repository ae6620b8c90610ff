package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/datagate/metrics"
	"github.com/isdmx/datagate/result"
)

const (
	// startTimeout bounds the call that creates and starts a unit
	startTimeout = 60 * time.Second
	// teardownTimeout bounds each stop or remove call issued after a run
	teardownTimeout = 30 * time.Second
)

// Config holds configuration for the sandbox
type Config struct {
	Backend      string
	Image        string
	LocalCommand []string
	Timeout      time.Duration
	StopGrace    time.Duration
	Limits       Limits
}

// NetworkIsolated reports whether units run without any network. Such a
// unit cannot reach the client database.
func (c Config) NetworkIsolated() bool {
	return c.Backend != "local" && c.Limits.Network == "none"
}

// Runner executes scripts in one fresh unit per call
type Runner struct {
	runtime      Runtime
	config       Config
	logger       *zap.Logger
	metrics      *metrics.Metrics
	startTimeout time.Duration
}

// RunnerOption defines a functional option for Runner
type RunnerOption func(*Runner)

// WithRunnerMetrics records unit outcomes
func WithRunnerMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) {
		r.metrics = m
	}
}

// NewRunner creates a Runner on top of runtime
func NewRunner(runtime Runtime, config Config, logger *zap.Logger, opts ...RunnerOption) *Runner {
	runner := &Runner{
		runtime:      runtime,
		config:       config,
		logger:       logger.With(zap.String("component", "sandbox")),
		startTimeout: startTimeout,
	}
	for _, opt := range opts {
		opt(runner)
	}
	if config.NetworkIsolated() {
		runner.logger.Info("Sandbox network is disabled; units get no database URL")
	}
	return runner
}

// Execute runs req in a new unit and returns the result object it printed.
// Failures are returned as *Error. The unit is removed before Execute
// returns, whatever the outcome. Cancellation of ctx does not interrupt a
// running unit; only the configured timeout does.
func (r *Runner) Execute(ctx context.Context, req Request) (*result.Result, error) {
	ctx = context.WithoutCancel(ctx)

	spec := UnitSpec{
		Name:   "datagate-unit-" + uuid.NewString(),
		Image:  r.config.Image,
		Env:    unitEnv(req, !r.config.NetworkIsolated()),
		Limits: r.config.Limits,
	}

	logger := r.logger.With(zap.String("unit", spec.Name))
	logger.Info("Starting sandbox unit",
		zap.Int("code_bytes", len(req.Code)),
		zap.Int("input_bytes", len(req.InputsJSON)),
		zap.Bool("database", spec.Env[EnvDatabaseURL] != ""),
	)

	handle, err := r.start(ctx, spec)
	if err != nil {
		// The engine may have created the unit before failing to start it.
		r.teardown(ctx, logger, Handle{ID: spec.Name, Name: spec.Name})
		if errors.Is(err, ErrImageNotFound) {
			return nil, r.fail(logger, newError(result.KindConfiguration, "sandbox image is not available: %v", err))
		}
		return nil, r.fail(logger, newError(result.KindUnknown, "failed to start sandbox unit: %v", err))
	}
	defer r.teardown(ctx, logger, handle)

	waitCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	exitCode, err := r.runtime.Wait(waitCtx, handle)
	if err != nil {
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			r.stop(ctx, logger, handle)
			return nil, r.fail(logger, newError(result.KindTimeout, "execution exceeded the %s time limit", r.config.Timeout))
		}
		return nil, r.fail(logger, newError(result.KindUnknown, "failed to wait for sandbox unit: %v", err))
	}

	stdout, stderr, err := r.runtime.Logs(ctx, handle)
	if err != nil {
		return nil, r.fail(logger, newError(result.KindUnknown, "failed to read sandbox output: %v", err))
	}

	if exitCode != 0 {
		message := strings.TrimSpace(stderr)
		if message == "" {
			message = "sandbox unit exited with status " + strconv.Itoa(exitCode)
		}
		return nil, r.fail(logger, &Error{Kind: result.KindExecution, Message: message})
	}

	res, err := parseOutput(stdout)
	if err != nil {
		return nil, r.fail(logger, newError(result.KindSerialization, "failed to parse sandbox result: %v", err))
	}

	r.metrics.SandboxRun("ok")
	logger.Info("Sandbox unit finished", zap.String("status", string(res.Status)))
	return res, nil
}

func (r *Runner) start(ctx context.Context, spec UnitSpec) (Handle, error) {
	startCtx, cancel := context.WithTimeout(ctx, r.startTimeout)
	defer cancel()
	handle, err := r.runtime.Run(startCtx, spec)
	if err != nil && errors.Is(startCtx.Err(), context.DeadlineExceeded) {
		return Handle{}, fmt.Errorf("unit did not start within %s: %w", r.startTimeout, err)
	}
	return handle, err
}

func unitEnv(req Request, withDatabase bool) map[string]string {
	env := map[string]string{EnvCode: req.Code}
	if len(req.InputsJSON) > 0 {
		env[EnvInputs] = string(req.InputsJSON)
	}
	if withDatabase && req.DatabaseURL != "" {
		env[EnvDatabaseURL] = req.DatabaseURL
	}
	return env
}

// parseOutput decodes the result object. Output printed by user code ahead
// of it is tolerated by retrying with the last non-empty line.
func parseOutput(stdout string) (*result.Result, error) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return nil, errors.New("sandbox produced no output")
	}
	res, err := result.Decode([]byte(trimmed))
	if err == nil {
		return res, nil
	}
	lines := strings.Split(trimmed, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if len(lines) == 1 || last == "" {
		return nil, err
	}
	return result.Decode([]byte(last))
}

func (r *Runner) stop(ctx context.Context, logger *zap.Logger, h Handle) {
	stopCtx, cancel := context.WithTimeout(ctx, r.config.StopGrace+teardownTimeout)
	defer cancel()
	if err := r.runtime.Stop(stopCtx, h, r.config.StopGrace); err != nil {
		logger.Warn("Failed to stop sandbox unit after timeout", zap.Error(err))
	}
}

func (r *Runner) teardown(ctx context.Context, logger *zap.Logger, h Handle) {
	removeCtx, cancel := context.WithTimeout(ctx, teardownTimeout)
	defer cancel()
	if err := r.runtime.Remove(removeCtx, h); err != nil {
		logger.Warn("Failed to remove sandbox unit", zap.Error(err))
		return
	}
	logger.Debug("Removed sandbox unit")
}

func (r *Runner) fail(logger *zap.Logger, err *Error) *Error {
	r.metrics.SandboxRun(strings.ToLower(string(err.Kind)))
	logger.Warn("Sandbox unit failed", zap.String("kind", string(err.Kind)), zap.String("message", truncate(err.Message, 512)))
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
