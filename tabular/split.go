package tabular

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrNotSerializable is returned when a cell cannot be represented in JSON
var ErrNotSerializable = errors.New("value is not serializable")

// split is the split-orient JSON shape: {"columns": [...], "data": [[...]]}
type split struct {
	Columns []string `json:"columns"`
	Data    [][]any  `json:"data"`
}

// ParseSplit decodes a split-orient JSON table. Numbers are decoded exactly
// and normalised, so integral values become int64.
func ParseSplit(raw []byte) (*Table, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var s split
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode split table: %w", err)
	}
	if s.Columns == nil {
		return nil, fmt.Errorf("decode split table: missing columns")
	}
	return New(s.Columns, s.Data)
}

// FromValue converts an already-decoded JSON value, such as a tool argument,
// into a table.
func FromValue(v any) (*Table, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode inline table: %w", err)
	}
	return ParseSplit(raw)
}

// MarshalSplit encodes the table in split orientation. Non-finite floats are
// written as null.
func (t *Table) MarshalSplit() ([]byte, error) {
	s, err := t.toSplit()
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

func (t *Table) toSplit() (split, error) {
	if err := t.Validate(); err != nil {
		return split{}, err
	}
	data := make([][]any, len(t.Rows))
	for r, row := range t.Rows {
		out := make([]any, len(row))
		for c, cell := range row {
			clean, err := jsonSafe(cell)
			if err != nil {
				return split{}, fmt.Errorf("column %q row %d: %w", t.Columns[c], r, err)
			}
			out[c] = clean
		}
		data[r] = out
	}
	return split{Columns: t.Columns, Data: data}, nil
}

// EncodeInputs serialises named tables as a JSON object of split-orient
// tables, the payload handed to a sandbox unit.
func EncodeInputs(inputs map[string]*Table) ([]byte, error) {
	out := make(map[string]split, len(inputs))
	for name, tbl := range inputs {
		if tbl == nil {
			return nil, fmt.Errorf("input %q: %w", name, ErrNotSerializable)
		}
		s, err := tbl.toSplit()
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		out[name] = s
	}
	return json.Marshal(out)
}

func jsonSafe(v any) (any, error) {
	switch x := Normalize(v).(type) {
	case nil, bool, int64, string, json.Number:
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, nil
		}
		return x, nil
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			clean, err := jsonSafe(item)
			if err != nil {
				return nil, err
			}
			out[i] = clean
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			clean, err := jsonSafe(item)
			if err != nil {
				return nil, err
			}
			out[k] = clean
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%T: %w", v, ErrNotSerializable)
	}
}
