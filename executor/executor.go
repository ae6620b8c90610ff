package executor

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/datagate/database"
	"github.com/isdmx/datagate/metrics"
	"github.com/isdmx/datagate/result"
	"github.com/isdmx/datagate/safety"
	"github.com/isdmx/datagate/sandbox"
	"github.com/isdmx/datagate/tabular"
)

// LanguageSQL selects the relational branch
const LanguageSQL = "sql"

// Querier runs read statements against the relational store
type Querier interface {
	Dialect() string
	Query(ctx context.Context, statement string) (*tabular.Table, error)
}

// Sandbox runs a script in a fresh isolated unit
type Sandbox interface {
	Execute(ctx context.Context, req sandbox.Request) (*result.Result, error)
}

// Store persists and retrieves intermediate tables
type Store interface {
	Store(ctx context.Context, t *tabular.Table) (string, error)
	Load(ctx context.Context, key string) (*tabular.Table, error)
}

// Config holds coordinator settings
type Config struct {
	ScriptLanguage   string
	DatabaseURL      string // handed to sandbox units
	MaxParallelLoads int
}

// Executor is the execution coordinator
type Executor struct {
	db      Querier
	sandbox Sandbox
	store   Store
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures an Executor
type Option func(*Executor)

// WithMetrics records executions
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithClock replaces the time source used for execution timings
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// New creates an Executor. db may be nil when no relational store is
// configured; relational requests then fail with CONFIGURATION_ERROR.
func New(db Querier, sb Sandbox, store Store, config Config, logger *zap.Logger, opts ...Option) *Executor {
	if config.ScriptLanguage == "" {
		config.ScriptLanguage = "python"
	}
	if config.MaxParallelLoads <= 0 {
		config.MaxParallelLoads = 4
	}
	e := &Executor{
		db:      db,
		sandbox: sb,
		store:   store,
		config:  config,
		logger:  logger.With(zap.String("component", "executor")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ScriptLanguage returns the language name accepted for scripts
func (e *Executor) ScriptLanguage() string {
	return e.config.ScriptLanguage
}

// Run dispatches code by language. Scripts run this way have no inputs.
func (e *Executor) Run(ctx context.Context, language, code string) *result.Result {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case LanguageSQL:
		return e.RunSQL(ctx, code)
	case e.config.ScriptLanguage:
		return e.RunScript(ctx, code, nil)
	default:
		e.logger.Warn("Unsupported language requested", zap.String("language", language))
		res := result.Failuref(result.KindUnsupportedLanguage, "Language '%s' is not supported", language)
		e.observe(language, res, 0)
		return res
	}
}

// RunSQL executes a read-only statement
func (e *Executor) RunSQL(ctx context.Context, statement string) *result.Result {
	start := e.now()
	res := e.runSQL(ctx, statement, start)
	e.observe(LanguageSQL, res, e.now().Sub(start))
	return res
}

func (e *Executor) runSQL(ctx context.Context, statement string, start time.Time) *result.Result {
	if e.db == nil {
		return result.Failure(result.KindConfiguration, "no database connection is configured")
	}

	verdict := safety.Evaluate(statement, e.db.Dialect())
	if !verdict.Safe {
		e.logger.Warn("Statement rejected by safety gate", zap.String("reason", verdict.Reason))
		return result.Failure(result.KindPermission, verdict.Reason)
	}

	tbl, err := e.db.Query(ctx, statement)
	if err != nil {
		if errors.Is(err, database.ErrScan) {
			e.logger.Error("Failed to read query result", zap.Error(err))
			return result.Failuref(result.KindUnexpected, "An unexpected error occurred: %v", err)
		}
		e.logger.Info("Query failed", zap.Error(err))
		return result.Failure(result.KindDatabase, err.Error())
	}

	profiles, clean := tabular.Enrich(tbl)
	res := result.Success(result.Metadata{
		ExecutionTimeMS: elapsedMS(e.now().Sub(start)),
		RowCount:        clean.Len(),
		ResultSchema:    profiles,
	}, result.Data{Columns: clean.Columns, Rows: clean.Rows})

	res.CacheKey = e.cacheResult(ctx, tbl)
	return res
}

// cacheResult stores t and returns its key, or "" when caching failed
func (e *Executor) cacheResult(ctx context.Context, t *tabular.Table) string {
	key, err := e.store.Store(ctx, t)
	if err != nil {
		e.logger.Warn("Failed to cache result", zap.Error(err))
		return ""
	}
	e.logger.Debug("Cached result", zap.String("cache_key", key), zap.Int("rows", t.Len()))
	return key
}

func (e *Executor) observe(language string, res *result.Result, elapsed time.Duration) {
	e.metrics.ObserveExecution(strings.ToLower(language), string(res.Status), elapsed)
}

func elapsedMS(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}
