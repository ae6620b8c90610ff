package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/datagate/database"
	"github.com/isdmx/datagate/result"
)

// defaultMaxBodyBytes bounds request bodies when Config.MaxBodyBytes is unset
const defaultMaxBodyBytes = 64 << 20

// Executor runs code on behalf of a request
type Executor interface {
	Run(ctx context.Context, language, code string) *result.Result
	RunOnData(ctx context.Context, code string, cacheKeys map[string]string, inputData map[string]any) *result.Result
}

// Inspector describes the relational store
type Inspector interface {
	GetSchema(ctx context.Context) (*database.Schema, error)
	ProfileTable(ctx context.Context, table string) (*database.TableProfile, error)
}

// Config holds HTTP surface settings
type Config struct {
	Token        string
	Dialect      string
	MaxBodyBytes int64
}

// ExecuteRequest is the body of POST /execute
type ExecuteRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// ExecuteOnDataRequest is the body of POST /execute-on-data. InputData maps
// an input name to a split-orient table.
type ExecuteOnDataRequest struct {
	Code      string            `json:"code"`
	CacheKeys map[string]string `json:"cache_keys"`
	InputData map[string]any    `json:"input_data"`
}

// Handler serves the gateway routes
type Handler struct {
	config    Config
	executor  Executor
	inspector Inspector
	mcp       http.Handler
	metrics   http.Handler
	logger    *zap.Logger
}

// Option configures optional routes
type Option func(*Handler)

// WithMCP mounts the MCP streamable HTTP handler at /mcp
func WithMCP(h http.Handler) Option {
	return func(a *Handler) {
		a.mcp = h
	}
}

// WithMetricsHandler mounts a Prometheus handler at /metrics
func WithMetricsHandler(h http.Handler) Option {
	return func(a *Handler) {
		a.metrics = h
	}
}

// New creates a Handler. inspector may be nil, in which case the schema
// routes answer 503.
func New(cfg Config, exec Executor, inspector Inspector, logger *zap.Logger, opts ...Option) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	h := &Handler{
		config:    cfg,
		executor:  exec,
		inspector: inspector,
		logger:    logger.With(zap.String("component", "api")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the root handler with middleware applied
func (h *Handler) Routes() http.Handler {
	auth := BearerAuth(h.config.Token, h.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /schema", auth(http.HandlerFunc(h.handleSchema)))
	mux.Handle("GET /schema/{table}/profile", auth(http.HandlerFunc(h.handleProfile)))
	mux.Handle("POST /execute", auth(http.HandlerFunc(h.handleExecute)))
	mux.Handle("POST /execute-on-data", auth(http.HandlerFunc(h.handleExecuteOnData)))
	if h.mcp != nil {
		mux.Handle("/mcp", auth(h.mcp))
	}
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}

	return Chain(mux, Recovery(h.logger), RequestLogger(h.logger))
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"db_dialect": h.config.Dialect,
	})
}

func (h *Handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	if h.inspector == nil {
		writeDetail(w, http.StatusServiceUnavailable, "no database connection is configured")
		return
	}
	schema, err := h.inspector.GetSchema(r.Context())
	if err != nil {
		h.logger.Error("schema inspection failed", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("failed to read schema: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	if h.inspector == nil {
		writeDetail(w, http.StatusServiceUnavailable, "no database connection is configured")
		return
	}
	table := r.PathValue("table")
	profile, err := h.inspector.ProfileTable(r.Context(), table)
	switch {
	case errors.Is(err, database.ErrTableNotFound):
		writeDetail(w, http.StatusNotFound, err.Error())
	case err != nil:
		h.logger.Error("table profiling failed", zap.String("table", table), zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("failed to profile table: %v", err))
	default:
		writeJSON(w, http.StatusOK, profile)
	}
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Language) == "" || req.Code == "" {
		writeDetail(w, http.StatusBadRequest, "language and code are required")
		return
	}
	writeResult(w, h.executor.Run(r.Context(), req.Language, req.Code))
}

func (h *Handler) handleExecuteOnData(w http.ResponseWriter, r *http.Request) {
	var req ExecuteOnDataRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Code == "" {
		writeDetail(w, http.StatusBadRequest, "code is required")
		return
	}
	writeResult(w, h.executor.RunOnData(r.Context(), req.Code, req.CacheKeys, req.InputData))
}

// decode reads a JSON body, keeping numbers exact for inline tables
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// StatusFor maps an execution result to its HTTP status
func StatusFor(res *result.Result) int {
	switch {
	case !res.IsError():
		return http.StatusOK
	case res.ErrorKind() == result.KindPermission:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func writeResult(w http.ResponseWriter, res *result.Result) {
	writeJSON(w, StatusFor(res), res)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
