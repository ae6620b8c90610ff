package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/datagate/metrics"
	"github.com/isdmx/datagate/tabular"
)

const fileExt = ".parquet"

var (
	// ErrMiss is returned when no entry exists for a key
	ErrMiss = errors.New("cache entry not found")
	// ErrCorrupt is returned when an entry exists but cannot be decoded
	ErrCorrupt = errors.New("cache entry could not be decoded")
)

// Options configures a Cache
type Options struct {
	Dir         string
	TTL         time.Duration
	MaxBytes    int64
	TargetBytes int64
}

// Cache is a disk-backed store of tables
type Cache struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures optional Cache behaviour
type Option func(*Cache)

// WithClock replaces the time source used for TTL and access times
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithMetrics records cache activity
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// New creates the cache directory if needed and returns a Cache
func New(opts Options, logger *zap.Logger, options ...Option) (*Cache, error) {
	if opts.Dir == "" {
		return nil, errors.New("cache directory is required")
	}
	if opts.MaxBytes <= 0 {
		return nil, errors.New("cache max size must be positive")
	}
	if opts.TargetBytes <= 0 || opts.TargetBytes >= opts.MaxBytes {
		return nil, errors.New("cache cleanup target must be positive and below the max size")
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	c := &Cache{
		opts:   opts,
		logger: logger.With(zap.String("component", "cache")),
		now:    time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Dir returns the cache directory
func (c *Cache) Dir() string {
	return c.opts.Dir
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.opts.Dir, key+fileExt)
}

// Store persists t under a new key. The cleanup pass runs first and reserves
// room for the new entry, which is never itself evicted.
func (c *Cache) Store(ctx context.Context, t *tabular.Table) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(c.opts.Dir, ".store-*.tmp")
	if err != nil {
		c.metrics.CacheOp("store", "error")
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if err := encodeTable(tmp, t); err != nil {
		_ = tmp.Close()
		c.metrics.CacheOp("store", "error")
		return "", fmt.Errorf("encode table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		c.metrics.CacheOp("store", "error")
		return "", fmt.Errorf("close temp file: %w", err)
	}
	info, err := os.Stat(tmpPath)
	if err != nil {
		c.metrics.CacheOp("store", "error")
		return "", fmt.Errorf("stat temp file: %w", err)
	}

	// Eviction runs to completion once started so the entry never lands
	// above the ceiling.
	report := c.cleanup(context.WithoutCancel(ctx), info.Size())

	key := uuid.NewString()
	if err := os.Rename(tmpPath, c.path(key)); err != nil {
		c.metrics.CacheOp("store", "error")
		return "", fmt.Errorf("publish cache entry: %w", err)
	}
	now := c.now()
	if err := os.Chtimes(c.path(key), now, now); err != nil {
		c.logger.Warn("Failed to set cache entry times", zap.String("key", key), zap.Error(err))
	}

	c.metrics.CacheOp("store", "ok")
	c.metrics.SetCacheSize(report.RemainingBytes + info.Size())
	c.logger.Debug("Stored cache entry",
		zap.String("key", key),
		zap.Int64("bytes", info.Size()),
		zap.Int("rows", t.Len()),
	)
	return key, nil
}

// Load returns the table stored under key and refreshes its access time.
// Unknown, evicted and malformed keys all yield ErrMiss.
func (c *Cache) Load(ctx context.Context, key string) (*tabular.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(key); err != nil {
		c.metrics.CacheOp("load", "miss")
		return nil, fmt.Errorf("%w: invalid key %q", ErrMiss, key)
	}

	path := c.path(key)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		c.metrics.CacheOp("load", "miss")
		return nil, fmt.Errorf("%w: %s", ErrMiss, key)
	}
	if err != nil {
		c.metrics.CacheOp("load", "error")
		return nil, fmt.Errorf("open cache entry: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		c.metrics.CacheOp("load", "error")
		return nil, fmt.Errorf("stat cache entry: %w", err)
	}

	tbl, err := decodeTable(f, info.Size())
	if err != nil {
		c.metrics.CacheOp("load", "error")
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}

	if err := os.Chtimes(path, c.now(), info.ModTime()); err != nil {
		c.logger.Warn("Failed to refresh cache entry access time", zap.String("key", key), zap.Error(err))
	}

	c.metrics.CacheOp("load", "ok")
	return tbl, nil
}

// CleanupReport summarises one cleanup pass
type CleanupReport struct {
	ScannedBytes   int64
	RemainingBytes int64
	ExpiredCount   int
	EvictedCount   int
}

// Cleanup runs a cleanup pass without storing anything
func (c *Cache) Cleanup(ctx context.Context) CleanupReport {
	report := c.cleanup(ctx, 0)
	c.metrics.SetCacheSize(report.RemainingBytes)
	return report
}

type entry struct {
	path    string
	size    int64
	written time.Time
	access  time.Time
}

func (c *Cache) scan() ([]entry, error) {
	dirEntries, err := os.ReadDir(c.opts.Dir)
	if err != nil {
		return nil, err
	}
	entries := make([]entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), fileExt) {
			continue
		}
		path := filepath.Join(c.opts.Dir, de.Name())
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, entry{
			path:    path,
			size:    info.Size(),
			written: info.ModTime(),
			access:  accessTime(path, info),
		})
	}
	return entries, nil
}

// cleanup evicts expired entries and then, if the cache plus incoming bytes
// exceeds the ceiling, least recently used entries down to the target.
func (c *Cache) cleanup(ctx context.Context, incoming int64) CleanupReport {
	entries, err := c.scan()
	if err != nil {
		c.logger.Error("Failed to scan cache directory", zap.Error(err))
		return CleanupReport{}
	}

	var report CleanupReport
	for _, e := range entries {
		report.ScannedBytes += e.size
	}
	total := report.ScannedBytes
	now := c.now()

	live := entries[:0]
	for _, e := range entries {
		if c.opts.TTL > 0 && now.Sub(e.written) > c.opts.TTL && c.evict(e, "ttl") {
			total -= e.size
			report.ExpiredCount++
			continue
		}
		live = append(live, e)
	}

	if total+incoming > c.opts.MaxBytes {
		sort.Slice(live, func(i, j int) bool {
			if !live[i].access.Equal(live[j].access) {
				return live[i].access.Before(live[j].access)
			}
			return live[i].path < live[j].path
		})
		for _, e := range live {
			if total+incoming <= c.opts.TargetBytes || ctx.Err() != nil {
				break
			}
			if c.evict(e, "lru") {
				total -= e.size
				report.EvictedCount++
			}
		}
	}

	report.RemainingBytes = total
	if report.ExpiredCount > 0 || report.EvictedCount > 0 {
		c.logger.Info("Cache cleanup finished",
			zap.Int("expired", report.ExpiredCount),
			zap.Int("evicted", report.EvictedCount),
			zap.Int64("scanned_bytes", report.ScannedBytes),
			zap.Int64("remaining_bytes", report.RemainingBytes),
		)
	}
	return report
}

func (c *Cache) evict(e entry, reason string) bool {
	err := os.Remove(e.path)
	switch {
	case err == nil:
		c.metrics.CacheEvicted(reason)
		return true
	case errors.Is(err, fs.ErrNotExist):
		c.logger.Debug("Cache entry already removed", zap.String("path", e.path))
		return true
	default:
		c.logger.Warn("Failed to evict cache entry", zap.String("path", e.path), zap.String("reason", reason), zap.Error(err))
		return false
	}
}

// RunJanitor runs a cleanup pass every interval until ctx is done
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup(ctx)
		}
	}
}
