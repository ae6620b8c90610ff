package tabular

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsRaggedRows(t *testing.T) {
	_, err := New([]string{"a", "b"}, [][]any{{1, 2}, {3}})
	require.ErrorIs(t, err, ErrNotRectangular)
}

func TestNewNormalisesCells(t *testing.T) {
	tbl, err := New([]string{"i", "f", "b", "n"}, [][]any{{int32(7), float32(1.5), []byte("x"), json.Number("42")}})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(7), 1.5, "x", int64(42)}, tbl.Rows[0])
}

func TestInferType(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name   string
		values []any
		want   string
	}{
		{"integers", []any{int64(1), nil, int64(3)}, TypeInt64},
		{"mixed numeric", []any{int64(1), 2.5}, TypeFloat64},
		{"booleans", []any{true, false}, TypeBool},
		{"strings", []any{"a", nil}, TypeString},
		{"datetimes", []any{now, now.Add(time.Hour)}, TypeDatetime},
		{"all null", []any{nil, nil}, TypeObject},
		{"empty", []any{}, TypeObject},
		{"mixed", []any{int64(1), "a"}, TypeObject},
		{"bool is not numeric", []any{true, int64(1)}, TypeObject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferType(tt.values))
		})
	}
}

func TestParseSplit(t *testing.T) {
	tbl, err := ParseSplit([]byte(`{"columns":["id","score","label"],"data":[[1,0.5,"a"],[2,null,"b"]]}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "score", "label"}, tbl.Columns)
	assert.Equal(t, [][]any{{int64(1), 0.5, "a"}, {int64(2), nil, "b"}}, tbl.Rows)
}

func TestParseSplitErrors(t *testing.T) {
	_, err := ParseSplit([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseSplit([]byte(`{"data":[[1]]}`))
	assert.Error(t, err)

	_, err = ParseSplit([]byte(`{"columns":["a"],"data":[[1,2]]}`))
	assert.ErrorIs(t, err, ErrNotRectangular)
}

func TestFromValue(t *testing.T) {
	tbl, err := FromValue(map[string]any{
		"columns": []any{"x"},
		"data":    []any{[]any{float64(3)}},
	})
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(3)}}, tbl.Rows)
}

func TestMarshalSplitSanitises(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	tbl := &Table{
		Columns: []string{"v", "t"},
		Rows:    [][]any{{math.NaN(), ts}, {math.Inf(1), nil}, {1.25, nil}},
	}
	raw, err := tbl.MarshalSplit()
	require.NoError(t, err)
	assert.JSONEq(t, `{"columns":["v","t"],"data":[[null,"2024-05-06T07:08:09Z"],[null,null],[1.25,null]]}`, string(raw))
}

func TestMarshalSplitRejectsUnsupported(t *testing.T) {
	tbl := &Table{Columns: []string{"c"}, Rows: [][]any{{make(chan int)}}}
	_, err := tbl.MarshalSplit()
	assert.ErrorIs(t, err, ErrNotSerializable)
}

func TestEncodeInputs(t *testing.T) {
	a := &Table{Columns: []string{"x"}, Rows: [][]any{{int64(1)}}}
	raw, err := EncodeInputs(map[string]*Table{"df_a": a})
	require.NoError(t, err)
	assert.JSONEq(t, `{"df_a":{"columns":["x"],"data":[[1]]}}`, string(raw))

	_, err = EncodeInputs(map[string]*Table{"bad": {Columns: []string{"c"}, Rows: [][]any{{func() {}}}}})
	assert.ErrorIs(t, err, ErrNotSerializable)
}
