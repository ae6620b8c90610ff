package tabular

import (
	"errors"
	"fmt"
)

// ErrNotRectangular is returned when a row length differs from the column count
var ErrNotRectangular = errors.New("row length does not match column count")

// Column type tags
const (
	TypeInt64    = "int64"
	TypeFloat64  = "float64"
	TypeBool     = "bool"
	TypeDatetime = "datetime"
	TypeString   = "string"
	TypeObject   = "object"
)

// Table is an ordered set of named columns and aligned rows
type Table struct {
	Columns []string
	Rows    [][]any
}

// New validates and returns a table. Cells are normalised with Normalize.
func New(columns []string, rows [][]any) (*Table, error) {
	t := &Table{Columns: columns, Rows: rows}
	if t.Columns == nil {
		t.Columns = []string{}
	}
	if t.Rows == nil {
		t.Rows = [][]any{}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			row[i] = Normalize(cell)
		}
	}
	return t, nil
}

// Empty returns a table with no columns and no rows
func Empty() *Table {
	return &Table{Columns: []string{}, Rows: [][]any{}}
}

// Validate checks that the table is rectangular
func (t *Table) Validate() error {
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("row %d has %d cells, expected %d: %w", i, len(row), len(t.Columns), ErrNotRectangular)
		}
	}
	return nil
}

// Len returns the row count
func (t *Table) Len() int {
	return len(t.Rows)
}

// Column returns the cells of column i in row order
func (t *Table) Column(i int) []any {
	values := make([]any, len(t.Rows))
	for r, row := range t.Rows {
		values[r] = row[i]
	}
	return values
}

// ColumnTypes infers a type tag for every column
func (t *Table) ColumnTypes() []string {
	types := make([]string, len(t.Columns))
	for i := range t.Columns {
		types[i] = InferType(t.Column(i))
	}
	return types
}

// InferType returns the type tag shared by every non-null value, TypeFloat64
// for a mix of integers and floats, and TypeObject for anything else
// including an all-null column.
func InferType(values []any) string {
	tag := ""
	for _, v := range values {
		if v == nil {
			continue
		}
		current := TypeOf(v)
		switch {
		case tag == "":
			tag = current
		case tag == current:
		case isNumericTag(tag) && isNumericTag(current):
			tag = TypeFloat64
		default:
			return TypeObject
		}
	}
	if tag == "" {
		return TypeObject
	}
	return tag
}

// TypeOf returns the type tag of a single non-null cell
func TypeOf(v any) string {
	switch v.(type) {
	case int64:
		return TypeInt64
	case float64:
		return TypeFloat64
	case bool:
		return TypeBool
	case string:
		return TypeString
	default:
		if _, ok := asTime(v); ok {
			return TypeDatetime
		}
		return TypeObject
	}
}

func isNumericTag(tag string) bool {
	return tag == TypeInt64 || tag == TypeFloat64
}
