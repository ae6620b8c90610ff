package database

import (
	"context"
	"fmt"
	"sort"
)

// ColumnInfo describes one column of a table
type ColumnInfo struct {
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	Nullable     bool    `json:"nullable"`
	Default      *string `json:"default"`
	IsPrimaryKey bool    `json:"is_primary_key"`
}

// TableInfo describes one table
type TableInfo struct {
	Name    string       `json:"name"`
	Columns []ColumnInfo `json:"columns"`
}

// SchemaTables is the table listing of a Schema
type SchemaTables struct {
	Tables []TableInfo `json:"tables"`
}

// Schema is the inspector response
type Schema struct {
	Dialect string       `json:"dialect"`
	Schema  SchemaTables `json:"schema"`
}

// GetSchema lists every table and its columns
func (d *DB) GetSchema(ctx context.Context) (*Schema, error) {
	m := d.gorm.WithContext(ctx).Migrator()

	names, err := m.GetTables()
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	sort.Strings(names)

	out := &Schema{
		Dialect: d.dialect,
		Schema:  SchemaTables{Tables: make([]TableInfo, 0, len(names))},
	}
	for _, name := range names {
		columns, err := d.columns(ctx, name)
		if err != nil {
			return nil, err
		}
		out.Schema.Tables = append(out.Schema.Tables, TableInfo{Name: name, Columns: columns})
	}
	return out, nil
}

func (d *DB) columns(ctx context.Context, table string) ([]ColumnInfo, error) {
	types, err := d.gorm.WithContext(ctx).Migrator().ColumnTypes(table)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}

	columns := make([]ColumnInfo, 0, len(types))
	for _, ct := range types {
		col := ColumnInfo{Name: ct.Name(), Type: ct.DatabaseTypeName(), Nullable: true}
		if full, ok := ct.ColumnType(); ok && full != "" {
			col.Type = full
		}
		if nullable, ok := ct.Nullable(); ok {
			col.Nullable = nullable
		}
		if pk, ok := ct.PrimaryKey(); ok {
			col.IsPrimaryKey = pk
		}
		if def, ok := ct.DefaultValue(); ok {
			col.Default = &def
		}
		columns = append(columns, col)
	}
	return columns, nil
}
