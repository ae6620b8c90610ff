package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// localWaitDelay bounds how long output pipes stay open after the process
// exits, e.g. when it left children behind.
const localWaitDelay = 2 * time.Second

// LocalRuntime implements Runtime by running a host process per unit
// (for development only). Images and resource limits are ignored; the
// process sees the host filesystem and network.
type LocalRuntime struct {
	logger  *zap.Logger
	command []string

	mu    sync.Mutex
	procs map[string]*localProcess
}

type localProcess struct {
	cmd      *exec.Cmd
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	done     chan struct{}
	exitCode int
	waitErr  error
}

// NewLocalRuntime creates a LocalRuntime that starts command for every unit
func NewLocalRuntime(logger *zap.Logger, command []string) *LocalRuntime {
	return &LocalRuntime{
		logger:  logger.With(zap.String("component", "sandbox.local")),
		command: command,
		procs:   make(map[string]*localProcess),
	}
}

// Active returns the names of units that have not been removed
func (l *LocalRuntime) Active() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.procs))
	for name := range l.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run starts the configured command with the unit environment
func (l *LocalRuntime) Run(_ context.Context, spec UnitSpec) (Handle, error) {
	if len(l.command) == 0 {
		return Handle{}, fmt.Errorf("%w: no local command configured", ErrImageNotFound)
	}

	//nolint:gosec // Running the configured unit command is intended functionality
	cmd := exec.Command(l.command[0], l.command[1:]...)
	cmd.Env = os.Environ()
	for name, value := range spec.Env {
		cmd.Env = append(cmd.Env, name+"="+value)
	}

	cmd.WaitDelay = localWaitDelay

	proc := &localProcess{cmd: cmd, done: make(chan struct{})}
	cmd.Stdout = &proc.stdout
	cmd.Stderr = &proc.stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return Handle{}, fmt.Errorf("%w: %s", ErrImageNotFound, l.command[0])
		}
		return Handle{}, fmt.Errorf("failed to start local unit: %w", err)
	}

	go func() {
		err := cmd.Wait()
		proc.exitCode = 0
		if err != nil {
			var exitError *exec.ExitError
			if errors.As(err, &exitError) {
				proc.exitCode = exitError.ExitCode()
			} else {
				proc.waitErr = err
			}
		}
		close(proc.done)
	}()

	l.mu.Lock()
	l.procs[spec.Name] = proc
	l.mu.Unlock()

	l.logger.Warn("Started unit as a host process without isolation",
		zap.String("name", spec.Name),
		zap.Int("pid", cmd.Process.Pid),
	)
	return Handle{ID: spec.Name, Name: spec.Name}, nil
}

func (l *LocalRuntime) lookup(h Handle) (*localProcess, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	proc, ok := l.procs[h.ID]
	if !ok {
		return nil, fmt.Errorf("unknown unit %q", h.ID)
	}
	return proc, nil
}

// Wait blocks until the process exits
func (l *LocalRuntime) Wait(ctx context.Context, h Handle) (int, error) {
	proc, err := l.lookup(h)
	if err != nil {
		return 0, err
	}
	select {
	case <-proc.done:
		if proc.waitErr != nil {
			return 0, fmt.Errorf("local unit failed: %w", proc.waitErr)
		}
		return proc.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Logs returns the captured output of an exited process
func (l *LocalRuntime) Logs(_ context.Context, h Handle) (string, string, error) {
	proc, err := l.lookup(h)
	if err != nil {
		return "", "", err
	}
	select {
	case <-proc.done:
		return proc.stdout.String(), proc.stderr.String(), nil
	default:
		return "", "", fmt.Errorf("unit %q is still running", h.ID)
	}
}

// Stop sends SIGTERM and kills the process if it is still running after grace
func (l *LocalRuntime) Stop(ctx context.Context, h Handle, grace time.Duration) error {
	proc, err := l.lookup(h)
	if err != nil {
		return err
	}
	select {
	case <-proc.done:
		return nil
	default:
	}

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		l.logger.Debug("Failed to signal unit", zap.String("name", h.Name), zap.Error(err))
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-proc.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := proc.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill unit: %w", err)
	}
	<-proc.done
	return nil
}

// Remove kills the process if needed and forgets it
func (l *LocalRuntime) Remove(_ context.Context, h Handle) error {
	l.mu.Lock()
	proc, ok := l.procs[h.ID]
	delete(l.procs, h.ID)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-proc.done:
		return nil
	default:
	}
	if err := proc.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill unit: %w", err)
	}
	<-proc.done
	return nil
}
