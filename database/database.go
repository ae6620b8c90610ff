package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/isdmx/datagate/tabular"
)

// Supported dialects
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite"
)

// ErrScan is returned when a result row cannot be read
var ErrScan = errors.New("failed to read result rows")

// Config describes the relational store
type Config struct {
	Dialect         string
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	URL             string // overrides the assembled DSN
	SandboxURL      string // URL handed to sandbox units, derived when empty
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ReadOnlyTx      bool
}

// DSN returns the driver connection string
func (c Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	switch c.Dialect {
	case DialectPostgres:
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, sslMode)
	case DialectMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true",
			c.User, c.Password, net.JoinHostPort(c.Host, strconv.Itoa(c.Port)), c.Name)
	default:
		return c.Name
	}
}

// UnitURL returns the SQLAlchemy-style URL given to sandbox units
func (c Config) UnitURL() string {
	if c.SandboxURL != "" {
		return c.SandboxURL
	}
	switch c.Dialect {
	case DialectPostgres, DialectMySQL:
		if strings.Contains(c.URL, "://") {
			return c.URL
		}
		scheme := "postgresql"
		if c.Dialect == DialectMySQL {
			scheme = "mysql+pymysql"
		}
		u := url.URL{
			Scheme: scheme,
			User:   url.UserPassword(c.User, c.Password),
			Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
			Path:   "/" + c.Name,
		}
		if c.Dialect == DialectPostgres && c.SSLMode != "" {
			u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
		}
		return u.String()
	default:
		return "sqlite:///" + c.DSN()
	}
}

// Dialector returns the gorm dialector for the configured dialect
func Dialector(c Config) (gorm.Dialector, error) {
	switch c.Dialect {
	case DialectPostgres:
		return postgres.Open(c.DSN()), nil
	case DialectMySQL:
		return mysql.Open(c.DSN()), nil
	case DialectSQLite:
		return sqlite.Open(c.DSN()), nil
	default:
		return nil, fmt.Errorf("unsupported database dialect: %s", c.Dialect)
	}
}

// DB is a read-only handle to the relational store
type DB struct {
	gorm       *gorm.DB
	sql        *sql.DB
	dialect    string
	readOnlyTx bool
	logger     *zap.Logger
}

// Open connects to the store described by c
func Open(c Config, logger *zap.Logger) (*DB, error) {
	dialector, err := Dialector(c)
	if err != nil {
		return nil, err
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	db, err := New(gdb, c.Dialect, c.ReadOnlyTx, logger)
	if err != nil {
		return nil, err
	}

	if c.MaxOpenConns > 0 {
		db.sql.SetMaxOpenConns(c.MaxOpenConns)
	}
	if c.MaxIdleConns > 0 {
		db.sql.SetMaxIdleConns(c.MaxIdleConns)
	}
	if c.ConnMaxLifetime > 0 {
		db.sql.SetConnMaxLifetime(c.ConnMaxLifetime)
	}

	logger.Info("Database connected",
		zap.String("dialect", c.Dialect),
		zap.Bool("read_only_tx", c.ReadOnlyTx),
	)
	return db, nil
}

// New wraps an open gorm connection
func New(gdb *gorm.DB, dialect string, readOnlyTx bool, logger *zap.Logger) (*DB, error) {
	if gdb == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return &DB{
		gorm:       gdb,
		sql:        sqlDB,
		dialect:    dialect,
		readOnlyTx: readOnlyTx && dialect != DialectSQLite,
		logger:     logger.With(zap.String("component", "database")),
	}, nil
}

// Dialect returns the configured dialect name
func (d *DB) Dialect() string {
	return d.dialect
}

// Ping checks the connection
func (d *DB) Ping(ctx context.Context) error {
	return d.sql.PingContext(ctx)
}

// Close closes the connection pool
func (d *DB) Close() error {
	return d.sql.Close()
}

// Query runs statement and returns its rows. Statements that return no
// columns yield an empty table.
func (d *DB) Query(ctx context.Context, statement string) (*tabular.Table, error) {
	if !d.readOnlyTx {
		rows, err := d.sql.QueryContext(ctx, statement)
		if err != nil {
			return nil, err
		}
		return readRows(rows)
	}

	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, statement)
	if err != nil {
		return nil, err
	}
	return readRows(rows)
}

func readRows(rows *sql.Rows) (*tabular.Table, error) {
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScan, err)
	}
	if len(columns) == 0 {
		return tabular.Empty(), nil
	}

	decimal := make([]bool, len(columns))
	if types, err := rows.ColumnTypes(); err == nil {
		for i, ct := range types {
			decimal[i] = isDecimalType(ct.DatabaseTypeName())
		}
	}

	tbl := &tabular.Table{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		cells := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrScan, err)
		}
		for i, cell := range cells {
			cell = tabular.Normalize(cell)
			if decimal[i] {
				cell = tabular.ParseDecimal(cell)
			}
			cells[i] = cell
		}
		tbl.Rows = append(tbl.Rows, cells)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tbl, nil
}

func isDecimalType(name string) bool {
	switch strings.ToUpper(name) {
	case "NUMERIC", "DECIMAL", "NEWDECIMAL":
		return true
	default:
		return false
	}
}
