package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"

	"github.com/isdmx/datagate/tabular"
)

// Key/value metadata stored in every cache file footer
const (
	metaColumns = "datagate.columns"
	metaTypes   = "datagate.types"
	metaRows    = "datagate.rows"
)

// leafName orders leaves by column position; parquet sorts group fields by name.
func leafName(i int) string {
	return fmt.Sprintf("c%06d", i)
}

// storageTypes picks an exact storage type per column. Columns mixing
// integers and floats are stored as objects so both survive unchanged.
func storageTypes(t *tabular.Table) []string {
	types := make([]string, len(t.Columns))
	for i := range t.Columns {
		tag := ""
		for _, v := range t.Column(i) {
			if v == nil {
				continue
			}
			current := tabular.TypeOf(v)
			if tag == "" {
				tag = current
			} else if tag != current {
				tag = tabular.TypeObject
				break
			}
		}
		if tag == "" {
			tag = tabular.TypeObject
		}
		types[i] = tag
	}
	return types
}

func leafNode(tag string) parquet.Node {
	switch tag {
	case tabular.TypeInt64:
		return parquet.Optional(parquet.Leaf(parquet.Int64Type))
	case tabular.TypeFloat64:
		return parquet.Optional(parquet.Leaf(parquet.DoubleType))
	case tabular.TypeBool:
		return parquet.Optional(parquet.Leaf(parquet.BooleanType))
	default:
		return parquet.Optional(parquet.String())
	}
}

func buildSchema(types []string) *parquet.Schema {
	group := parquet.Group{}
	for i, tag := range types {
		group[leafName(i)] = leafNode(tag)
	}
	if len(types) == 0 {
		group[leafName(0)] = leafNode(tabular.TypeObject)
	}
	return parquet.NewSchema("dataset", group)
}

func encodeTable(w io.Writer, t *tabular.Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	types := storageTypes(t)

	columnsJSON, err := json.Marshal(t.Columns)
	if err != nil {
		return fmt.Errorf("encode column names: %w", err)
	}
	typesJSON, err := json.Marshal(types)
	if err != nil {
		return fmt.Errorf("encode column types: %w", err)
	}

	writer := parquet.NewWriter(w,
		buildSchema(types),
		parquet.Compression(&zstd.Codec{}),
		parquet.KeyValueMetadata(metaColumns, string(columnsJSON)),
		parquet.KeyValueMetadata(metaTypes, string(typesJSON)),
		parquet.KeyValueMetadata(metaRows, strconv.Itoa(t.Len())),
	)

	if len(t.Columns) > 0 {
		rows := make([]parquet.Row, 0, t.Len())
		for r, row := range t.Rows {
			out := make(parquet.Row, len(row))
			for c, cell := range row {
				v, err := encodeCell(cell, types[c])
				if err != nil {
					return fmt.Errorf("column %q row %d: %w", t.Columns[c], r, err)
				}
				if v.IsNull() {
					out[c] = v.Level(0, 0, c)
				} else {
					out[c] = v.Level(0, 1, c)
				}
			}
			rows = append(rows, out)
		}
		if _, err := writer.WriteRows(rows); err != nil {
			return fmt.Errorf("write rows: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

func encodeCell(cell any, tag string) (parquet.Value, error) {
	if cell == nil {
		return parquet.NullValue(), nil
	}
	switch tag {
	case tabular.TypeInt64:
		return parquet.Int64Value(cell.(int64)), nil
	case tabular.TypeFloat64:
		return parquet.DoubleValue(cell.(float64)), nil
	case tabular.TypeBool:
		return parquet.BooleanValue(cell.(bool)), nil
	case tabular.TypeString:
		return parquet.ByteArrayValue([]byte(cell.(string))), nil
	case tabular.TypeDatetime:
		return parquet.ByteArrayValue([]byte(cell.(time.Time).Format(time.RFC3339Nano))), nil
	default:
		raw, err := encodeObject(cell)
		if err != nil {
			return parquet.Value{}, err
		}
		return parquet.ByteArrayValue(raw), nil
	}
}

// encodeObject writes a cell of a mixed column as a [tag, value] pair.
// Times and non-finite floats are written as strings.
func encodeObject(cell any) ([]byte, error) {
	tag := tabular.TypeOf(cell)
	value := cell
	switch v := cell.(type) {
	case time.Time:
		value = v.Format(time.RFC3339Nano)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			value = strconv.FormatFloat(v, 'g', -1, 64)
		}
	}
	return json.Marshal([]any{tag, value})
}

func decodeObject(raw []byte) (any, error) {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil {
		return nil, err
	}
	if len(pair) != 2 {
		return nil, errors.New("object cell is not a [type, value] pair")
	}
	var tag string
	if err := json.Unmarshal(pair[0], &tag); err != nil {
		return nil, err
	}

	switch tag {
	case tabular.TypeFloat64:
		var s string
		if json.Unmarshal(pair[1], &s) == nil {
			return strconv.ParseFloat(s, 64)
		}
		var f float64
		err := json.Unmarshal(pair[1], &f)
		return f, err
	case tabular.TypeBool:
		var b bool
		err := json.Unmarshal(pair[1], &b)
		return b, err
	case tabular.TypeString:
		var s string
		err := json.Unmarshal(pair[1], &s)
		return s, err
	case tabular.TypeDatetime:
		var s string
		if err := json.Unmarshal(pair[1], &s); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	default:
		dec := json.NewDecoder(bytes.NewReader(pair[1]))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		return tabular.Normalize(v), nil
	}
}

func decodeCell(v parquet.Value, tag string) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	switch tag {
	case tabular.TypeInt64:
		return v.Int64(), nil
	case tabular.TypeFloat64:
		return v.Double(), nil
	case tabular.TypeBool:
		return v.Boolean(), nil
	case tabular.TypeString:
		return string(v.ByteArray()), nil
	case tabular.TypeDatetime:
		return time.Parse(time.RFC3339Nano, string(v.ByteArray()))
	default:
		return decodeObject(v.ByteArray())
	}
}

func lookupJSON(f *parquet.File, key string, dst any) error {
	raw, ok := f.Lookup(key)
	if !ok {
		return fmt.Errorf("missing %s metadata", key)
	}
	return json.Unmarshal([]byte(raw), dst)
}

func decodeTable(r io.ReaderAt, size int64) (*tabular.Table, error) {
	f, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	var columns, types []string
	if err := lookupJSON(f, metaColumns, &columns); err != nil {
		return nil, err
	}
	if err := lookupJSON(f, metaTypes, &types); err != nil {
		return nil, err
	}
	if len(columns) != len(types) {
		return nil, fmt.Errorf("metadata lists %d columns but %d types", len(columns), len(types))
	}

	rawRows, _ := f.Lookup(metaRows)
	rowCount, err := strconv.Atoi(rawRows)
	if err != nil {
		return nil, fmt.Errorf("invalid %s metadata: %w", metaRows, err)
	}

	tbl := &tabular.Table{Columns: columns, Rows: make([][]any, 0, rowCount)}
	if len(columns) == 0 {
		for i := 0; i < rowCount; i++ {
			tbl.Rows = append(tbl.Rows, []any{})
		}
		return tbl, nil
	}

	reader := parquet.NewReader(f)
	defer func() { _ = reader.Close() }()

	buf := make([]parquet.Row, 64)
	for {
		n, err := reader.ReadRows(buf)
		for _, row := range buf[:n] {
			cells := make([]any, len(columns))
			for _, v := range row {
				col := v.Column()
				if col < 0 || col >= len(cells) {
					return nil, fmt.Errorf("value for unknown column %d", col)
				}
				cell, err := decodeCell(v, types[col])
				if err != nil {
					return nil, fmt.Errorf("column %q: %w", columns[col], err)
				}
				cells[col] = cell
			}
			tbl.Rows = append(tbl.Rows, cells)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read rows: %w", err)
		}
		if n == 0 {
			break
		}
	}

	if tbl.Len() != rowCount {
		return nil, fmt.Errorf("read %d rows, metadata records %d", tbl.Len(), rowCount)
	}
	return tbl, nil
}
