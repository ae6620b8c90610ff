package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/datagate/metrics"
	"github.com/isdmx/datagate/result"
)

const successOutput = `{"status":"success","metadata":{"execution_time_ms":4.2,"row_count":1,"result_schema":[{"name":"x","type":"int64","stats":{"min":1,"max":1,"mean":1,"std_dev":null,"unique_count":1}}]},"data":{"columns":["x"],"rows":[[1]]}}`

// mockRuntime implements Runtime for testing
type mockRuntime struct {
	mu        sync.Mutex
	runErr    error
	runBlock  bool
	exitCode  int
	waitErr   error
	block     bool
	stdout    string
	stderr    string
	logsErr   error
	removeErr error

	specs   []UnitSpec
	stopped []Handle
	removed []Handle
	running map[string]bool
}

func (m *mockRuntime) Run(ctx context.Context, spec UnitSpec) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs = append(m.specs, spec)
	if m.runBlock {
		m.mu.Unlock()
		<-ctx.Done()
		m.mu.Lock()
		return Handle{}, ctx.Err()
	}
	if m.runErr != nil {
		return Handle{}, m.runErr
	}
	if m.running == nil {
		m.running = make(map[string]bool)
	}
	m.running[spec.Name] = true
	return Handle{ID: "id-" + spec.Name, Name: spec.Name}, nil
}

func (m *mockRuntime) Wait(ctx context.Context, _ Handle) (int, error) {
	if m.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return m.exitCode, m.waitErr
}

func (m *mockRuntime) Logs(context.Context, Handle) (string, string, error) {
	return m.stdout, m.stderr, m.logsErr
}

func (m *mockRuntime) Stop(_ context.Context, h Handle, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, h)
	return nil
}

func (m *mockRuntime) Remove(_ context.Context, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, h)
	delete(m.running, h.Name)
	return m.removeErr
}

func (m *mockRuntime) runningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

func testConfig() Config {
	return Config{
		Backend:   "docker",
		Image:     "datagate-sandbox:latest",
		Timeout:   time.Second,
		StopGrace: 10 * time.Millisecond,
		Limits:    Limits{MemoryMB: 256, CPUs: 0.5},
	}
}

func requireSandboxError(t *testing.T, err error, kind result.ErrorKind) *Error {
	t.Helper()
	var sbErr *Error
	require.True(t, errors.As(err, &sbErr), "expected *sandbox.Error, got %v", err)
	assert.Equal(t, kind, sbErr.Kind)
	return sbErr
}

func TestRunnerSuccess(t *testing.T) {
	rt := &mockRuntime{stdout: successOutput}
	runner := NewRunner(rt, testConfig(), zaptest.NewLogger(t))

	res, err := runner.Execute(context.Background(), Request{
		Code:        "result_df = input_data['df']",
		InputsJSON:  []byte(`{"df":{"columns":["x"],"data":[[1]]}}`),
		DatabaseURL: "sqlite:///data.db",
	})
	require.NoError(t, err)
	assert.Equal(t, result.StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Metadata.RowCount)
	assert.Equal(t, []string{"x"}, res.Data.Columns)

	require.Len(t, rt.specs, 1)
	spec := rt.specs[0]
	assert.Equal(t, "datagate-sandbox:latest", spec.Image)
	assert.Equal(t, "result_df = input_data['df']", spec.Env[EnvCode])
	assert.Equal(t, `{"df":{"columns":["x"],"data":[[1]]}}`, spec.Env[EnvInputs])
	assert.Equal(t, "sqlite:///data.db", spec.Env[EnvDatabaseURL])
	assert.Equal(t, 256, spec.Limits.MemoryMB)

	assert.Len(t, rt.removed, 1)
	assert.Zero(t, rt.runningCount())
}

func TestRunnerOmitsEmptyPayloads(t *testing.T) {
	rt := &mockRuntime{stdout: successOutput}
	_, err := NewRunner(rt, testConfig(), zaptest.NewLogger(t)).Execute(context.Background(), Request{Code: "x"})
	require.NoError(t, err)

	env := rt.specs[0].Env
	assert.NotContains(t, env, EnvInputs)
	assert.NotContains(t, env, EnvDatabaseURL)
}

func TestRunnerToleratesLeadingOutput(t *testing.T) {
	rt := &mockRuntime{stdout: "debug: loading\n" + successOutput + "\n"}
	res, err := NewRunner(rt, testConfig(), zaptest.NewLogger(t)).Execute(context.Background(), Request{Code: "x"})
	require.NoError(t, err)
	assert.Equal(t, result.StatusSuccess, res.Status)
}

func TestRunnerFailures(t *testing.T) {
	tests := []struct {
		name    string
		rt      *mockRuntime
		kind    result.ErrorKind
		message string
	}{
		{
			name:    "missing binding",
			rt:      &mockRuntime{exitCode: 1, stderr: "Error: the code did not bind 'result_df'\n"},
			kind:    result.KindExecution,
			message: "result_df",
		},
		{
			name:    "exit without diagnostics",
			rt:      &mockRuntime{exitCode: 137},
			kind:    result.KindExecution,
			message: "status 137",
		},
		{
			name: "unparsable output",
			rt:   &mockRuntime{stdout: "hello world"},
			kind: result.KindSerialization,
		},
		{
			name: "error without type",
			rt:   &mockRuntime{stdout: `{"status":"error"}`},
			kind: result.KindSerialization,
		},
		{
			name: "empty output",
			rt:   &mockRuntime{},
			kind: result.KindSerialization,
		},
		{
			name: "missing image",
			rt:   &mockRuntime{runErr: ErrImageNotFound},
			kind: result.KindConfiguration,
		},
		{
			name:    "runtime unavailable",
			rt:      &mockRuntime{runErr: errors.New("docker daemon unreachable")},
			kind:    result.KindUnknown,
			message: "daemon unreachable",
		},
		{
			name: "wait failure",
			rt:   &mockRuntime{waitErr: errors.New("engine crashed")},
			kind: result.KindUnknown,
		},
		{
			name: "logs failure",
			rt:   &mockRuntime{logsErr: errors.New("log driver none")},
			kind: result.KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := NewRunner(tt.rt, testConfig(), zaptest.NewLogger(t)).Execute(context.Background(), Request{Code: "x"})
			assert.Nil(t, res)
			sbErr := requireSandboxError(t, err, tt.kind)
			if tt.message != "" {
				assert.Contains(t, sbErr.Message, tt.message)
			}
			assert.Len(t, tt.rt.removed, 1, "unit must be removed")
			assert.Zero(t, tt.rt.runningCount())
		})
	}
}

func TestRunnerWithholdsDatabaseURLWithoutNetwork(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		network string
		want    bool
	}{
		{name: "isolated container", backend: "docker", network: "none", want: false},
		{name: "bridged container", backend: "docker", network: "datagate_default", want: true},
		{name: "engine default network", backend: "podman", network: "", want: true},
		{name: "local process", backend: "local", network: "none", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Backend = tt.backend
			cfg.Limits.Network = tt.network
			assert.Equal(t, !tt.want, cfg.NetworkIsolated())

			rt := &mockRuntime{stdout: successOutput}
			_, err := NewRunner(rt, cfg, zaptest.NewLogger(t)).Execute(context.Background(), Request{
				Code:        "x",
				DatabaseURL: "postgresql://u:p@db/app",
			})
			require.NoError(t, err)
			require.Len(t, rt.specs, 1)
			_, ok := rt.specs[0].Env[EnvDatabaseURL]
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestRunnerRemovesUnitWhenStartFails(t *testing.T) {
	cmd := &MockCommandRunner{results: map[string]commandResult{
		"run": {exitCode: 125, stderr: "docker: Error response from daemon: failed to create task: OCI runtime create failed: unable to start container process"},
		"rm":  {exitCode: 1, stderr: "Error response from daemon: No such container: x"},
	}}
	rt := NewDockerRuntime(zaptest.NewLogger(t), WithCommandRunner(cmd))

	_, err := NewRunner(rt, testConfig(), zaptest.NewLogger(t)).Execute(context.Background(), Request{Code: "x"})
	sbErr := requireSandboxError(t, err, result.KindUnknown)
	assert.Contains(t, sbErr.Message, "OCI runtime create failed")

	run, ok := cmd.call("run")
	require.True(t, ok)
	rm, ok := cmd.call("rm")
	require.True(t, ok, "rm must follow a failed run")
	assert.Contains(t, run.args, rm.args[len(rm.args)-1])
}

func TestRunnerBoundsUnitStart(t *testing.T) {
	rt := &mockRuntime{runBlock: true}
	runner := NewRunner(rt, testConfig(), zaptest.NewLogger(t))
	runner.startTimeout = 50 * time.Millisecond

	start := time.Now()
	_, err := runner.Execute(context.Background(), Request{Code: "x"})
	sbErr := requireSandboxError(t, err, result.KindUnknown)
	assert.Contains(t, sbErr.Message, "did not start")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Len(t, rt.removed, 1)
}

func TestRunnerTimeout(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "")
	rt := &mockRuntime{block: true}
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := NewRunner(rt, cfg, zaptest.NewLogger(t), WithRunnerMetrics(m)).Execute(context.Background(), Request{Code: "while True: pass"})
	requireSandboxError(t, err, result.KindTimeout)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Len(t, rt.stopped, 1)
	assert.Len(t, rt.removed, 1)
	assert.Zero(t, rt.runningCount())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SandboxRuns.WithLabelValues("timeout_error")))
}

func TestRunnerIgnoresCallerCancellation(t *testing.T) {
	rt := &mockRuntime{stdout: successOutput}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := NewRunner(rt, testConfig(), zaptest.NewLogger(t)).Execute(ctx, Request{Code: "x"})
	require.NoError(t, err)
	assert.Equal(t, result.StatusSuccess, res.Status)
}

func TestRunnerTeardownFailureIsNotSurfaced(t *testing.T) {
	rt := &mockRuntime{stdout: successOutput, removeErr: errors.New("device busy")}
	res, err := NewRunner(rt, testConfig(), zaptest.NewLogger(t)).Execute(context.Background(), Request{Code: "x"})
	require.NoError(t, err)
	assert.Equal(t, result.StatusSuccess, res.Status)
}

func TestRunnerPassesUnitReportedError(t *testing.T) {
	rt := &mockRuntime{stdout: `{"status":"error","error":{"type":"EXECUTION_ERROR","message":"boom"}}`}
	res, err := NewRunner(rt, testConfig(), zaptest.NewLogger(t)).Execute(context.Background(), Request{Code: "x"})
	require.NoError(t, err)
	assert.True(t, res.IsError())
	assert.Equal(t, result.KindExecution, res.ErrorKind())
}

func TestParseOutput(t *testing.T) {
	_, err := parseOutput("   ")
	assert.Error(t, err)

	_, err = parseOutput(`{"rows": []}`)
	assert.Error(t, err, "objects without status are rejected")

	res, err := parseOutput("print 1\nprint 2\n" + successOutput)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Metadata.RowCount)
}
