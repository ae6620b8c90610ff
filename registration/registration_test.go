package registration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newRegistrar(t *testing.T, url string, attempts int) *Registrar {
	t.Helper()
	return New(Config{
		CoreURL:     url + "/",
		PublicURL:   "http://agent.local:8080",
		Token:       "s3cret",
		MaxAttempts: attempts,
		RetryDelay:  time.Millisecond,
		Timeout:     time.Second,
	}, zaptest.NewLogger(t))
}

func TestRegisterSuccess(t *testing.T) {
	var got payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, Path, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := newRegistrar(t, srv.URL, 3)
	require.True(t, r.Enabled())
	require.NoError(t, r.Register(context.Background()))
	assert.Equal(t, payload{Token: "s3cret", PublicURL: "http://agent.local:8080"}, got)
}

func TestRegisterRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, newRegistrar(t, srv.URL, 5).Register(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRegisterExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := newRegistrar(t, srv.URL, 2).Register(context.Background())
	require.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRegisterTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := newRegistrar(t, url, 2).Register(context.Background())
	require.ErrorIs(t, err, ErrExhausted)
}

func TestRegisterCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := newRegistrar(t, srv.URL, 100)
	r.config.RetryDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Register(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Register did not return after cancellation")
	}
}

func TestStartStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := newRegistrar(t, srv.URL, 100)
	r.config.RetryDelay = time.Hour
	stop := r.Start()
	stop()
}

func TestDisabled(t *testing.T) {
	r := New(Config{}, zaptest.NewLogger(t))
	assert.False(t, r.Enabled())
}
