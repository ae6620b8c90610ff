// Package tabular defines the Table value that flows between the relational
// path, the sandbox and the dataset cache, together with its split-orient
// JSON encoding and the enrichment step that profiles columns and removes
// values JSON cannot carry.
//
// A Table is rectangular: every row has exactly one cell per column and
// column order is preserved end to end.
//
//	tbl, err := tabular.New([]string{"id", "score"}, [][]any{{int64(1), 0.5}})
//	profiles, clean := tabular.Enrich(tbl)
package tabular
