package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/isdmx/datagate/result"
)

// Environment variables of the in-unit contract
const (
	EnvCode        = "PYTHON_CODE_TO_EXECUTE"
	EnvInputs      = "INPUT_DATA_JSON"
	EnvDatabaseURL = "DATABASE_URL"
)

// OutputVariable is the name the submitted code must bind to a table
const OutputVariable = "result_df"

// ErrImageNotFound is returned by a Runtime when the unit image (or the
// local command) does not exist
var ErrImageNotFound = errors.New("sandbox image not found")

// Request is one script invocation
type Request struct {
	Code        string
	InputsJSON  []byte // optional JSON object of name -> split-orient table
	DatabaseURL string // optional
}

// Limits bounds the resources of a unit
type Limits struct {
	MemoryMB  int
	CPUs      float64
	PidsLimit int
	Network   string
}

// UnitSpec describes a unit to create
type UnitSpec struct {
	Name   string
	Image  string
	Env    map[string]string
	Limits Limits
}

// Handle identifies a running unit
type Handle struct {
	ID   string
	Name string
}

// Runtime drives an external container or process runtime
type Runtime interface {
	// Run creates and starts a unit without waiting for it
	Run(ctx context.Context, spec UnitSpec) (Handle, error)
	// Wait blocks until the unit exits or ctx is done
	Wait(ctx context.Context, h Handle) (exitCode int, err error)
	// Logs returns everything the unit wrote to its output streams
	Logs(ctx context.Context, h Handle) (stdout, stderr string, err error)
	// Stop asks the unit to exit and kills it after grace
	Stop(ctx context.Context, h Handle, grace time.Duration) error
	// Remove destroys the unit; removing an absent unit is not an error
	Remove(ctx context.Context, h Handle) error
}

// Error is a classified sandbox failure
type Error struct {
	Kind    result.ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind result.ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// CommandRunner defines an interface for executing system commands. env is
// appended to the current process environment.
type CommandRunner interface {
	RunCommand(ctx context.Context, env []string, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, env []string, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}
