// Package result defines the wire-level response shape shared by the
// relational and script execution paths.
package result

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Status of an execution
type Status string

// Status values
const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ErrorKind identifies the failure class reported to the orchestrator
type ErrorKind string

// Error kinds
const (
	KindPermission          ErrorKind = "PERMISSION_ERROR"
	KindDatabase            ErrorKind = "DATABASE_ERROR"
	KindUnexpected          ErrorKind = "UNEXPECTED_ERROR"
	KindExecution           ErrorKind = "EXECUTION_ERROR"
	KindTimeout             ErrorKind = "TIMEOUT_ERROR"
	KindSerialization       ErrorKind = "SERIALIZATION_ERROR"
	KindCacheMiss           ErrorKind = "CACHE_MISS_ERROR"
	KindCacheLoad           ErrorKind = "CACHE_LOAD_ERROR"
	KindConfiguration       ErrorKind = "CONFIGURATION_ERROR"
	KindUnsupportedLanguage ErrorKind = "UNSUPPORTED_LANGUAGE"
	KindUnknown             ErrorKind = "UNKNOWN_ERROR"
)

// Retryable reports whether an orchestrator may reasonably resubmit after
// re-supplying pipeline state. Only cache-consistency errors qualify.
func (k ErrorKind) Retryable() bool {
	return k == KindCacheMiss || k == KindCacheLoad
}

// ColumnStats holds per-column statistics. Min and Max are float64 for
// numeric columns and strings for temporal ones. Absent values encode as null.
type ColumnStats struct {
	Min         any      `json:"min"`
	Max         any      `json:"max"`
	Mean        *float64 `json:"mean"`
	StdDev      *float64 `json:"std_dev"`
	UniqueCount int      `json:"unique_count"`
}

// ColumnProfile describes one result column
type ColumnProfile struct {
	Name  string       `json:"name"`
	Type  string       `json:"type"`
	Stats *ColumnStats `json:"stats"`
}

// Metadata describes a successful execution
type Metadata struct {
	ExecutionTimeMS float64         `json:"execution_time_ms"`
	RowCount        int             `json:"row_count"`
	ResultSchema    []ColumnProfile `json:"result_schema"`
}

// Data is the tabular payload of a successful execution
type Data struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Error is the structured failure payload
type Error struct {
	Type    ErrorKind `json:"type"`
	Message string    `json:"message"`
}

// Result is the response object returned for every execution
type Result struct {
	Status   Status    `json:"status"`
	Metadata *Metadata `json:"metadata,omitempty"`
	Data     *Data     `json:"data,omitempty"`
	CacheKey string    `json:"cache_key,omitempty"`
	Error    *Error    `json:"error,omitempty"`
}

// Success builds a successful result
func Success(meta Metadata, data Data) *Result {
	return &Result{
		Status:   StatusSuccess,
		Metadata: &meta,
		Data:     &data,
	}
}

// Failure builds an error result
func Failure(kind ErrorKind, message string) *Result {
	return &Result{
		Status: StatusError,
		Error:  &Error{Type: kind, Message: message},
	}
}

// Failuref builds an error result with a formatted message
func Failuref(kind ErrorKind, format string, args ...any) *Result {
	return Failure(kind, fmt.Sprintf(format, args...))
}

// IsError reports whether the result carries a failure
func (r *Result) IsError() bool {
	return r == nil || r.Status == StatusError
}

// ErrorKind returns the failure kind, or "" for successful results
func (r *Result) ErrorKind() ErrorKind {
	if r == nil || r.Error == nil {
		return ""
	}
	return r.Error.Type
}

// Decode parses a result object. Numbers are kept as json.Number so that
// integer cells survive the round trip.
func Decode(raw []byte) (*Result, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var res Result
	if err := dec.Decode(&res); err != nil {
		return nil, err
	}
	switch res.Status {
	case "":
		return nil, fmt.Errorf("result object has no status")
	case StatusSuccess:
		if res.Metadata == nil || res.Data == nil {
			return nil, fmt.Errorf("successful result object is missing metadata or data")
		}
	case StatusError:
		if res.Error == nil || res.Error.Type == "" {
			return nil, fmt.Errorf("error result object has no error type")
		}
	default:
		return nil, fmt.Errorf("unknown result status %q", res.Status)
	}
	return &res, nil
}
