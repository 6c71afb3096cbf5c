// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backend is the REST client for the operations backend.
//
// # Description
//
// Every call goes through the same pipeline: rate limiter, circuit
// breaker, per-call timeout, bearer token, X-Request-ID, OTel span, and
// envelope decoding. Responses use the envelope
//
//	{"success": bool, "data": ..., "message": "optional"}
//
// and a call succeeds only on a 2xx status with success=true.
//
// # Thread Safety
//
// Client is safe for concurrent use.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/gks281263/KMRL-sub001/pkg/clock"
	"github.com/gks281263/KMRL-sub001/services/opsync/domain"
	"github.com/gks281263/KMRL-sub001/services/opsync/telemetry"
)

// REST paths relative to the base URL.
const (
	PathDepartures  = "/api/operations/departures"
	PathIncidents   = "/api/operations/incidents"
	PathStandby     = "/api/operations/standby/trains"
	PathDeployments = "/api/operations/standby/deployments"
	PathSnapshot    = "/api/operations/snapshot"
	PathPolicy      = "/api/operations/policy"
	PathDeploy      = "/api/operations/standby/deploy"
	PathHealth      = "/api/health"

	// HeaderRequestID carries the per-call correlation id.
	HeaderRequestID = "X-Request-ID"

	maxBodyBytes = 8 << 20
)

// PathBoarded is the mark-boarded path for one departure.
func PathBoarded(departureID string) string {
	return PathDepartures + "/" + url.PathEscape(departureID) + "/boarded"
}

// Config configures a Client.
type Config struct {
	// BaseURL is the backend root, e.g. https://ops.kmrl.example.
	BaseURL string `yaml:"base_url"`

	// Timeout bounds each call. Default: 15s.
	Timeout time.Duration `yaml:"timeout"`

	// RateLimit is the sustained request rate per second. Default: 20.
	RateLimit float64 `yaml:"rate_limit"`

	// Burst is the limiter burst. Default: 10.
	Burst int `yaml:"burst"`

	// CircuitBreaker trips after repeated backend failures.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// DefaultConfig returns the production defaults for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		Timeout:        15 * time.Second,
		RateLimit:      20,
		Burst:          10,
		CircuitBreaker: DefaultCircuitBreakerConfig(),
	}
}

// Client calls the operations backend. Create with New.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	breaker *CircuitBreaker
	token   *SecretToken
	clock   clock.Clock
	logger  *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithToken sends token as a bearer credential.
func WithToken(t *SecretToken) Option { return func(c *Client) { c.token = t } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithClock sets the clock used by the circuit breaker.
func WithClock(clk clock.Clock) Option { return func(c *Client) { c.clock = clk } }

// New creates a Client.
//
// # Inputs
//
//   - cfg: Zero fields take DefaultConfig values.
//   - opts: Optional overrides.
//
// # Outputs
//
//   - *Client: Ready to use.
//   - error: Non-nil when BaseURL is not an absolute http(s) URL.
func New(cfg Config, opts ...Option) (*Client, error) {
	def := DefaultConfig(cfg.BaseURL)
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("backend url %q must be absolute http(s)", cfg.BaseURL)
	}

	c := &Client{
		cfg:     cfg,
		base:    base,
		http:    &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		clock:   clock.Real(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = NewCircuitBreaker(cfg.CircuitBreaker, c.clock)
	c.logger = c.logger.With("component", "backend")
	return c, nil
}

// BaseURL returns the configured backend root.
func (c *Client) BaseURL() string { return c.base.String() }

// Breaker exposes the circuit breaker for status reporting and Reset.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// =============================================================================
// Collection fetches
// =============================================================================

// Departures fetches all service departures.
func (c *Client) Departures(ctx context.Context) ([]domain.ServiceDeparture, error) {
	var out []domain.ServiceDeparture
	err := c.do(ctx, http.MethodGet, PathDepartures, nil, &out)
	return out, err
}

// Incidents fetches incidents, most recent first.
func (c *Client) Incidents(ctx context.Context) ([]domain.Incident, error) {
	var out []domain.Incident
	err := c.do(ctx, http.MethodGet, PathIncidents, nil, &out)
	return out, err
}

// StandbyTrains fetches the standby fleet.
func (c *Client) StandbyTrains(ctx context.Context) ([]domain.StandbyTrain, error) {
	var out []domain.StandbyTrain
	err := c.do(ctx, http.MethodGet, PathStandby, nil, &out)
	return out, err
}

// Deployments fetches standby deployments, most recent first.
func (c *Client) Deployments(ctx context.Context) ([]domain.StandbyDeployment, error) {
	var out []domain.StandbyDeployment
	err := c.do(ctx, http.MethodGet, PathDeployments, nil, &out)
	return out, err
}

// Snapshot fetches the operations snapshot.
func (c *Client) Snapshot(ctx context.Context) (domain.OperationsSnapshot, error) {
	var out domain.OperationsSnapshot
	err := c.do(ctx, http.MethodGet, PathSnapshot, nil, &out)
	return out, err
}

// Policy fetches the auto-deploy policy.
func (c *Client) Policy(ctx context.Context) (domain.AutoDeployPolicy, error) {
	var out domain.AutoDeployPolicy
	err := c.do(ctx, http.MethodGet, PathPolicy, nil, &out)
	return out, err
}

// =============================================================================
// Commands
// =============================================================================

// MarkBoarded marks a departure boarded and returns the server's record.
func (c *Client) MarkBoarded(ctx context.Context, departureID string) (domain.ServiceDeparture, error) {
	var out domain.ServiceDeparture
	err := c.do(ctx, http.MethodPost, PathBoarded(departureID), struct{}{}, &out)
	return out, err
}

// CreateIncident reports an incident and returns the created record.
func (c *Client) CreateIncident(ctx context.Context, r domain.IncidentReport) (domain.Incident, error) {
	var out domain.Incident
	err := c.do(ctx, http.MethodPost, PathIncidents, r, &out)
	return out, err
}

// DeployStandby dispatches a standby train and returns the deployment.
func (c *Client) DeployStandby(ctx context.Context, r domain.DeployRequest) (domain.StandbyDeployment, error) {
	var out domain.StandbyDeployment
	err := c.do(ctx, http.MethodPost, PathDeploy, r, &out)
	return out, err
}

// UpdatePolicy replaces the auto-deploy policy and returns the stored one.
func (c *Client) UpdatePolicy(ctx context.Context, p domain.AutoDeployPolicy) (domain.AutoDeployPolicy, error) {
	var out domain.AutoDeployPolicy
	err := c.do(ctx, http.MethodPut, PathPolicy, p, &out)
	return out, err
}

// Health probes the backend. Any 2xx is healthy; the body is ignored.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, PathHealth, nil, nil)
}

// =============================================================================
// Request pipeline
// =============================================================================

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
}

func (c *Client) do(ctx context.Context, method, p string, body, out any) error {
	reqID := uuid.NewString()
	ctx, span := telemetry.StartSpan(ctx, "backend."+method+" "+p,
		attribute.String("http.method", method),
		attribute.String("url.path", p),
		attribute.String("request.id", reqID),
	)
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		apiErr := &APIError{Method: method, Path: p, RequestID: reqID, Message: Message(err), cause: err}
		telemetry.RecordError(span, apiErr)
		return apiErr
	}

	start := c.clock.Now()
	err := c.breaker.Execute(func() error {
		return c.roundTrip(ctx, method, p, reqID, body, out)
	}, countable)
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			err = &APIError{Method: method, Path: p, RequestID: reqID, Message: Message(err), cause: err}
		}
		telemetry.RecordError(span, err)
		c.logger.Warn("backend call failed",
			"method", method, "path", p, "request_id", reqID, "error", err)
		return err
	}
	telemetry.SetSpanOK(span)
	c.logger.Debug("backend call ok",
		"method", method, "path", p, "request_id", reqID, "elapsed", c.clock.Now().Sub(start))
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, p, reqID string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	fail := func(status int, msg string, cause error) error {
		return &APIError{Method: method, Path: p, Status: status, Message: msg, RequestID: reqID, cause: cause}
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fail(0, "encode request", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(p).String(), reader)
	if err != nil {
		return fail(0, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	bearer, err := c.token.Bearer()
	if err != nil {
		return fail(0, "api token unavailable", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		msg := "backend unreachable"
		if ctx.Err() != nil {
			msg = Message(ctx.Err())
		}
		return fail(0, msg, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fail(resp.StatusCode, "read response", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && env.Message != "" {
			msg = env.Message
		}
		return fail(resp.StatusCode, msg, ErrHTTPStatus)
	}
	if out == nil {
		return nil
	}
	if decodeErr != nil {
		return fail(resp.StatusCode, "malformed response", fmt.Errorf("%w: %v", ErrBadEnvelope, decodeErr))
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "request failed"
		}
		return fail(resp.StatusCode, msg, ErrRejected)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fail(resp.StatusCode, "malformed response", fmt.Errorf("%w: missing data", ErrBadEnvelope))
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fail(resp.StatusCode, "malformed response", fmt.Errorf("%w: %v", ErrBadEnvelope, err))
	}
	return nil
}
