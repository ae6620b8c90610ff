package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/datagate/tabular"
)

// ErrTableNotFound is returned when the profiled table does not exist
var ErrTableNotFound = errors.New("table not found")

const (
	histogramBuckets = 10
	topValuesLimit   = 10
	examplesLimit    = 15
)

// HistogramBin is one NTILE bucket of a numeric column
type HistogramBin struct {
	BucketStart float64 `json:"bucket_start"`
	BucketEnd   float64 `json:"bucket_end"`
	Count       int64   `json:"count"`
}

// TopValue is a value and its frequency
type TopValue struct {
	Value any   `json:"value"`
	Count int64 `json:"count"`
}

// ColumnProfile summarises the contents of one column
type ColumnProfile struct {
	Name             string         `json:"name"`
	Type             string         `json:"type"`
	NullCount        int64          `json:"null_count"`
	Histogram        []HistogramBin `json:"histogram"`
	TopValues        []TopValue     `json:"top_values"`
	DistinctExamples []any          `json:"distinct_examples"`
}

// TableProfile is the profiler response
type TableProfile struct {
	TableName string          `json:"table_name"`
	Columns   []ColumnProfile `json:"columns"`
}

// ProfileTable computes per-column statistics for table. The table name
// must match one reported by the store exactly.
func (d *DB) ProfileTable(ctx context.Context, table string) (*TableProfile, error) {
	names, err := d.gorm.WithContext(ctx).Migrator().GetTables()
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	if !slices.Contains(names, table) {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	columns, err := d.columns(ctx, table)
	if err != nil {
		return nil, err
	}

	logger := d.logger.With(zap.String("table", table))
	logger.Debug("Profiling table", zap.Int("columns", len(columns)))

	qt := quoteIdent(d.dialect, table)
	profile := &TableProfile{TableName: table, Columns: make([]ColumnProfile, 0, len(columns))}
	for _, col := range columns {
		cp, err := d.profileColumn(ctx, qt, col)
		if err != nil {
			return nil, fmt.Errorf("failed to profile column %s: %w", col.Name, err)
		}
		profile.Columns = append(profile.Columns, *cp)
	}
	return profile, nil
}

func (d *DB) profileColumn(ctx context.Context, qt string, col ColumnInfo) (*ColumnProfile, error) {
	qc := quoteIdent(d.dialect, col.Name)
	cp := &ColumnProfile{Name: col.Name, Type: col.Type}

	nullQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s IS NULL", qt, qc)
	if err := d.sql.QueryRowContext(ctx, nullQuery).Scan(&cp.NullCount); err != nil {
		return nil, err
	}

	if isNumericType(col.Type) {
		var lo, hi sql.NullFloat64
		rangeQuery := fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s", qc, qc, qt)
		if err := d.sql.QueryRowContext(ctx, rangeQuery).Scan(&lo, &hi); err != nil {
			return nil, err
		}
		if lo.Valid && hi.Valid && lo.Float64 < hi.Float64 {
			bins, err := d.histogram(ctx, qt, qc)
			if err != nil {
				return nil, err
			}
			cp.Histogram = bins
		}
		return cp, nil
	}

	top, err := d.topValues(ctx, qt, qc)
	if err != nil {
		return nil, err
	}
	cp.TopValues = top

	examples, err := d.distinctExamples(ctx, qt, qc)
	if err != nil {
		return nil, err
	}
	cp.DistinctExamples = examples
	return cp, nil
}

func (d *DB) histogram(ctx context.Context, qt, qc string) ([]HistogramBin, error) {
	query := fmt.Sprintf(
		"SELECT MIN(v) AS bucket_start, MAX(v) AS bucket_end, COUNT(*) AS cnt "+
			"FROM (SELECT %s AS v, NTILE(%d) OVER (ORDER BY %s) AS bucket FROM %s WHERE %s IS NOT NULL) AS t "+
			"GROUP BY bucket ORDER BY bucket",
		qc, histogramBuckets, qc, qt, qc)

	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	bins := []HistogramBin{}
	for rows.Next() {
		var bin HistogramBin
		if err := rows.Scan(&bin.BucketStart, &bin.BucketEnd, &bin.Count); err != nil {
			return nil, err
		}
		bins = append(bins, bin)
	}
	return bins, rows.Err()
}

func (d *DB) topValues(ctx context.Context, qt, qc string) ([]TopValue, error) {
	query := fmt.Sprintf(
		"SELECT %s, COUNT(*) AS cnt FROM %s WHERE %s IS NOT NULL GROUP BY %s ORDER BY cnt DESC, %s LIMIT %d",
		qc, qt, qc, qc, qc, topValuesLimit)

	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	top := []TopValue{}
	for rows.Next() {
		var tv TopValue
		if err := rows.Scan(&tv.Value, &tv.Count); err != nil {
			return nil, err
		}
		tv.Value = tabular.Normalize(tv.Value)
		top = append(top, tv)
	}
	return top, rows.Err()
}

func (d *DB) distinctExamples(ctx context.Context, qt, qc string) ([]any, error) {
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL LIMIT %d", qc, qt, qc, examplesLimit)

	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	examples := []any{}
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		examples = append(examples, tabular.Normalize(v))
	}
	return examples, rows.Err()
}

func quoteIdent(dialect, name string) string {
	if dialect == DialectMySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

var numericTypeMarkers = []string{"INT", "REAL", "FLOAT", "DOUBLE", "NUMERIC", "DECIMAL", "SERIAL", "MONEY"}

func isNumericType(name string) bool {
	upper := strings.ToUpper(name)
	if strings.Contains(upper, "POINT") || strings.Contains(upper, "INTERVAL") {
		return false
	}
	for _, marker := range numericTypeMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}
