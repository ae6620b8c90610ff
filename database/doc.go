// Package database gives the gateway read access to the client's relational
// store.
//
// Connections are opened through gorm for postgres, mysql and sqlite.
// Ad-hoc statements are executed on the underlying database/sql pool and
// never pass through gorm's statement builder; the schema inspector and the
// table profiler use gorm's Migrator to discover tables and columns.
package database
