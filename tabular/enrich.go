package tabular

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/isdmx/datagate/result"
)

// Enrich profiles every column of t and returns a sanitised copy in which
// non-finite floats are replaced by nil. Numeric statistics are sanitised
// the same way.
func Enrich(t *Table) ([]result.ColumnProfile, *Table) {
	profiles := make([]result.ColumnProfile, len(t.Columns))
	for i, name := range t.Columns {
		values := t.Column(i)
		tag := InferType(values)

		var stats *result.ColumnStats
		switch {
		case isNumericTag(tag):
			stats = numericStats(values)
		case tag == TypeDatetime:
			stats = temporalStats(values)
		default:
			stats = &result.ColumnStats{UniqueCount: uniqueCount(values)}
		}
		profiles[i] = result.ColumnProfile{Name: name, Type: tag, Stats: stats}
	}
	return profiles, Sanitize(t)
}

// Sanitize returns a copy of t with NaN and infinite floats replaced by nil
func Sanitize(t *Table) *Table {
	rows := make([][]any, len(t.Rows))
	for r, row := range t.Rows {
		out := make([]any, len(row))
		for c, cell := range row {
			out[c] = sanitizeCell(cell)
		}
		rows[r] = out
	}
	columns := make([]string, len(t.Columns))
	copy(columns, t.Columns)
	return &Table{Columns: columns, Rows: rows}
}

func sanitizeCell(v any) any {
	switch x := v.(type) {
	case float64:
		if !isFinite(x) {
			return nil
		}
	case float32:
		if !isFinite(float64(x)) {
			return nil
		}
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = sanitizeCell(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = sanitizeCell(item)
		}
		return out
	}
	return v
}

func finiteOrNil(f float64) *float64 {
	if !isFinite(f) {
		return nil
	}
	return &f
}

func numericStats(values []any) *result.ColumnStats {
	nums := make([]float64, 0, len(values))
	for _, v := range values {
		switch x := v.(type) {
		case int64:
			nums = append(nums, float64(x))
		case float64:
			if !math.IsNaN(x) {
				nums = append(nums, x)
			}
		}
	}

	stats := &result.ColumnStats{}
	if len(nums) == 0 {
		return stats
	}

	distinct := make(map[float64]struct{}, len(nums))
	minV, maxV, sum := nums[0], nums[0], 0.0
	for _, n := range nums {
		distinct[n] = struct{}{}
		minV = math.Min(minV, n)
		maxV = math.Max(maxV, n)
		sum += n
	}
	mean := sum / float64(len(nums))

	stats.UniqueCount = len(distinct)
	if p := finiteOrNil(minV); p != nil {
		stats.Min = *p
	}
	if p := finiteOrNil(maxV); p != nil {
		stats.Max = *p
	}
	stats.Mean = finiteOrNil(mean)

	if len(nums) > 1 {
		var sq float64
		for _, n := range nums {
			d := n - mean
			sq += d * d
		}
		stats.StdDev = finiteOrNil(math.Sqrt(sq / float64(len(nums)-1)))
	}
	return stats
}

func temporalStats(values []any) *result.ColumnStats {
	var times []time.Time
	distinct := make(map[int64]struct{})
	for _, v := range values {
		if t, ok := asTime(v); ok {
			times = append(times, t)
			distinct[t.UnixNano()] = struct{}{}
		}
	}
	stats := &result.ColumnStats{UniqueCount: len(distinct)}
	if len(times) == 0 {
		return stats
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	stats.Min = times[0].Format(time.RFC3339Nano)
	stats.Max = times[len(times)-1].Format(time.RFC3339Nano)
	return stats
}

type cellKey struct {
	kind string
	v    any
}

func uniqueCount(values []any) int {
	distinct := make(map[cellKey]struct{})
	for _, v := range values {
		if f, ok := v.(float64); v == nil || (ok && math.IsNaN(f)) {
			continue
		}
		distinct[keyOf(v)] = struct{}{}
	}
	return len(distinct)
}

func keyOf(v any) cellKey {
	switch x := v.(type) {
	case string:
		return cellKey{kind: "s", v: x}
	case bool:
		return cellKey{kind: "b", v: x}
	case int64:
		return cellKey{kind: "n", v: float64(x)}
	case float64:
		return cellKey{kind: "n", v: x}
	case time.Time:
		return cellKey{kind: "t", v: x.UnixNano()}
	default:
		raw, err := jsonSafe(x)
		if err != nil {
			return cellKey{kind: "?", v: err.Error()}
		}
		return cellKey{kind: "o", v: stableString(raw)}
	}
}

func stableString(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return err.Error()
	}
	return string(raw)
}
