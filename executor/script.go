package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/isdmx/datagate/cache"
	"github.com/isdmx/datagate/result"
	"github.com/isdmx/datagate/sandbox"
	"github.com/isdmx/datagate/tabular"
)

// Input is one named script input. CacheKey is tried first; Sample is used
// when the key is empty or no longer cached.
type Input struct {
	CacheKey string
	Sample   *tabular.Table
}

// Inputs merges cache keys and inline samples by input name
func Inputs(cacheKeys map[string]string, samples map[string]*tabular.Table) map[string]Input {
	inputs := make(map[string]Input, len(cacheKeys)+len(samples))
	for name, key := range cacheKeys {
		in := inputs[name]
		in.CacheKey = key
		inputs[name] = in
	}
	for name, sample := range samples {
		in := inputs[name]
		in.Sample = sample
		inputs[name] = in
	}
	return inputs
}

// RunOnData decodes the inline split-orient samples in inputData and runs
// code with them and the cached inputs named by cacheKeys.
func (e *Executor) RunOnData(ctx context.Context, code string, cacheKeys map[string]string, inputData map[string]any) *result.Result {
	names := make([]string, 0, len(inputData))
	for name := range inputData {
		names = append(names, name)
	}
	sort.Strings(names)

	samples := make(map[string]*tabular.Table, len(inputData))
	for _, name := range names {
		tbl, err := tabular.FromValue(inputData[name])
		if err != nil {
			res := result.Failuref(result.KindSerialization, "Failed to decode input sample '%s': %v", name, err)
			e.observe(e.config.ScriptLanguage, res, 0)
			return res
		}
		samples[name] = tbl
	}
	return e.RunScript(ctx, code, Inputs(cacheKeys, samples))
}

type inputError struct {
	kind    result.ErrorKind
	message string
}

func (e *inputError) Error() string {
	return e.message
}

// RunScript runs code in a sandbox unit with the named inputs bound
func (e *Executor) RunScript(ctx context.Context, code string, inputs map[string]Input) *result.Result {
	start := e.now()
	res := e.runScript(ctx, code, inputs, start)
	e.observe(e.config.ScriptLanguage, res, e.now().Sub(start))
	return res
}

func (e *Executor) runScript(ctx context.Context, code string, inputs map[string]Input, start time.Time) *result.Result {
	resolved, err := e.resolveInputs(ctx, inputs)
	if err != nil {
		var ie *inputError
		if errors.As(err, &ie) {
			e.logger.Warn("Failed to resolve script input", zap.String("kind", string(ie.kind)), zap.Error(err))
			return result.Failure(ie.kind, ie.message)
		}
		return result.Failuref(result.KindCacheLoad, "failed to resolve inputs: %v", err)
	}

	var payload []byte
	if len(resolved) > 0 {
		payload, err = tabular.EncodeInputs(resolved)
		if err != nil {
			e.logger.Warn("Failed to serialize script inputs", zap.Error(err))
			return result.Failuref(result.KindSerialization, "Failed to serialize input data: %v", err)
		}
	}

	res, err := e.sandbox.Execute(ctx, sandbox.Request{
		Code:        code,
		InputsJSON:  payload,
		DatabaseURL: e.config.DatabaseURL,
	})
	if err != nil {
		var sbErr *sandbox.Error
		if errors.As(err, &sbErr) {
			return result.Failure(sbErr.Kind, sbErr.Message)
		}
		e.logger.Error("Sandbox failed", zap.Error(err))
		return result.Failuref(result.KindUnknown, "sandbox failure: %v", err)
	}
	if res.IsError() {
		return res
	}

	if res.Metadata == nil || res.Data == nil {
		return result.Failure(result.KindSerialization, "sandbox result has no metadata or data")
	}
	res.Metadata.ExecutionTimeMS = elapsedMS(e.now().Sub(start))

	tbl, err := tabular.New(res.Data.Columns, res.Data.Rows)
	if err != nil {
		e.logger.Warn("Sandbox result is not a valid table", zap.Error(err))
		return result.Failuref(result.KindSerialization, "sandbox result is not a valid table: %v", err)
	}
	res.CacheKey = e.cacheResult(ctx, tbl)
	return res
}

// resolveInputs loads cached inputs concurrently and applies sample fallback
func (e *Executor) resolveInputs(ctx context.Context, inputs map[string]Input) (map[string]*tabular.Table, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	var mu sync.Mutex
	resolved := make(map[string]*tabular.Table, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.MaxParallelLoads)
	for _, name := range names {
		in := inputs[name]
		if in.CacheKey == "" {
			mu.Lock()
			resolved[name] = in.Sample
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			tbl, err := e.load(gctx, name, in)
			if err != nil {
				return err
			}
			mu.Lock()
			resolved[name] = tbl
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resolved, nil
}

func (e *Executor) load(ctx context.Context, name string, in Input) (*tabular.Table, error) {
	tbl, err := e.store.Load(ctx, in.CacheKey)
	switch {
	case err == nil:
		e.logger.Debug("Loaded input from cache", zap.String("input", name), zap.String("cache_key", in.CacheKey))
		return tbl, nil
	case errors.Is(err, cache.ErrMiss):
		if in.Sample != nil {
			e.logger.Info("Cache miss, using inline sample", zap.String("input", name), zap.String("cache_key", in.CacheKey))
			return in.Sample, nil
		}
		return nil, &inputError{
			kind:    result.KindCacheMiss,
			message: fmt.Sprintf("Cache key '%s' for input '%s' not found. Pipeline state may have been lost.", in.CacheKey, name),
		}
	default:
		return nil, &inputError{
			kind:    result.KindCacheLoad,
			message: fmt.Sprintf("Failed to load cache key '%s' for input '%s': %v", in.CacheKey, name, err),
		}
	}
}
