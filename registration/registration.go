// Package registration announces the gateway to its orchestrator.
//
// Registration is a bounded retry loop run once at start-up. Exhausting the
// attempts is logged and otherwise ignored: the gateway keeps serving and the
// orchestrator can still reach it at its public URL.
package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Path is appended to the orchestrator base URL
const Path = "/api/v1/agents/register"

// ErrExhausted is returned when every attempt failed
var ErrExhausted = errors.New("registration attempts exhausted")

// Config describes the registration call
type Config struct {
	CoreURL     string
	PublicURL   string
	Token       string
	MaxAttempts int
	RetryDelay  time.Duration
	Timeout     time.Duration
}

// payload is the registration body
type payload struct {
	Token     string `json:"agent_secret_token"`
	PublicURL string `json:"agent_public_url"`
}

// Registrar performs the registration call
type Registrar struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

// Option configures a Registrar
type Option func(*Registrar)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(r *Registrar) {
		r.client = client
	}
}

// New creates a Registrar
func New(cfg Config, logger *zap.Logger, opts ...Option) *Registrar {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	r := &Registrar{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "registration")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enabled reports whether an orchestrator URL is configured
func (r *Registrar) Enabled() bool {
	return r.config.CoreURL != ""
}

// Register posts the registration until it succeeds, the attempts run out
// or ctx is done.
func (r *Registrar) Register(ctx context.Context) error {
	url := strings.TrimRight(r.config.CoreURL, "/") + Path
	body, err := json.Marshal(payload{Token: r.config.Token, PublicURL: r.config.PublicURL})
	if err != nil {
		return fmt.Errorf("encode registration: %w", err)
	}

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		r.logger.Info("registering with orchestrator",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.config.MaxAttempts),
		)

		err := r.post(ctx, url, body)
		if err == nil {
			r.logger.Info("registered with orchestrator")
			return nil
		}
		r.logger.Warn("registration attempt failed", zap.Int("attempt", attempt), zap.Error(err))

		if attempt == r.config.MaxAttempts {
			break
		}
		timer := time.NewTimer(r.config.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	r.logger.Error("could not register with orchestrator, continuing without registration",
		zap.Int("attempts", r.config.MaxAttempts))
	return ErrExhausted
}

func (r *Registrar) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("orchestrator returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(text)))
	}
	return nil
}

// Start runs Register in the background. The returned function cancels it
// and waits for it to return.
func (r *Registrar) Start() (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Register(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}
