package sandbox

import (
	"context"
	"encoding/json"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/datagate/result"
)

// bundledRunner runs the embedded unit runner on the host. It skips when no
// python interpreter with pandas is installed.
func bundledRunner(t *testing.T) *Runner {
	t.Helper()
	if _, err := exec.LookPath(localInterpreter); err != nil {
		t.Skip("python3 is not installed")
	}
	if err := exec.Command(localInterpreter, "-c", "import pandas, numpy").Run(); err != nil {
		t.Skip("pandas is not installed")
	}

	logger := zaptest.NewLogger(t)
	cfg := Config{Backend: "local", Timeout: 60 * time.Second, StopGrace: 100 * time.Millisecond}
	rt, err := NewRuntime(logger, cfg)
	require.NoError(t, err)
	return NewRunner(rt, cfg, logger)
}

func TestBundledRunnerTransformsInputs(t *testing.T) {
	runner := bundledRunner(t)

	res, err := runner.Execute(context.Background(), Request{
		Code: `print("working")
df = input_data["df"]
result_df = df.assign(double=df["x"] * 2)`,
		InputsJSON: []byte(`{"df":{"columns":["x","name"],"data":[[1,"a"],[2,"b"],[3,null]]}}`),
	})
	require.NoError(t, err)
	require.Equal(t, result.StatusSuccess, res.Status)

	assert.Equal(t, []string{"x", "name", "double"}, res.Data.Columns)
	require.Len(t, res.Data.Rows, 3)
	assert.Equal(t, []any{json.Number("3"), nil, json.Number("6")}, res.Data.Rows[2])

	assert.Equal(t, 3, res.Metadata.RowCount)
	require.Len(t, res.Metadata.ResultSchema, 3)
	assert.Equal(t, "int64", res.Metadata.ResultSchema[0].Type)
	assert.Equal(t, 3, res.Metadata.ResultSchema[0].Stats.UniqueCount)
	assert.Equal(t, "string", res.Metadata.ResultSchema[1].Type)
	assert.Equal(t, 2, res.Metadata.ResultSchema[1].Stats.UniqueCount)
}

func TestBundledRunnerNullsNonFiniteValues(t *testing.T) {
	runner := bundledRunner(t)

	res, err := runner.Execute(context.Background(), Request{
		Code: `import math
result_df = pd.DataFrame({"v": [1.5, float("nan"), math.inf]})`,
	})
	require.NoError(t, err)
	assert.Equal(t, [][]any{{json.Number("1.5")}, {nil}, {nil}}, res.Data.Rows)
	assert.Equal(t, "float64", res.Metadata.ResultSchema[0].Type)
}

func TestBundledRunnerFailures(t *testing.T) {
	runner := bundledRunner(t)

	tests := []struct {
		name    string
		code    string
		message string
	}{
		{name: "missing binding", code: "x = 1", message: "'result_df'"},
		{name: "wrong type", code: "result_df = [1, 2]", message: "not a pandas DataFrame"},
		{name: "script raises", code: "raise ValueError('bad input')", message: "bad input"},
		{name: "syntax error", code: "result_df = (", message: "SyntaxError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runner.Execute(context.Background(), Request{Code: tt.code})
			sbErr := requireSandboxError(t, err, result.KindExecution)
			assert.Contains(t, sbErr.Message, tt.message)
		})
	}
}
