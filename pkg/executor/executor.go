// Package executor performs one-shot calls against the remote asset service,
// retrying retryable failures with jittered exponential backoff inside a
// wall-clock retry budget.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	"github.com/assetflow/assetflow/pkg/apierr"
	"github.com/assetflow/assetflow/pkg/credentials"
	"github.com/assetflow/assetflow/pkg/signer"
	"github.com/assetflow/assetflow/pkg/telemetry"
)

// Defaults applied when neither the executor config nor the request
// overrides them.
const (
	DefaultTimeout     = 60 * time.Second
	DefaultRetryBudget = 60 * time.Second
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 16 * time.Second
	DefaultJitter      = 0.2
)

// maxResponseBody bounds how much of a response body is read.
const maxResponseBody = 32 << 20

// Config configures an Executor.
type Config struct {
	// Resolver supplies credentials for every call. Required.
	Resolver credentials.Resolver

	// Signer builds request headers. Default: signer.New(signer.Config{}).
	Signer *signer.Signer

	// HTTPClient performs attempts. Its own Timeout should be zero; the
	// per-attempt timeout is enforced through the request context.
	HTTPClient *http.Client

	// Timeout is the default per-attempt timeout.
	Timeout time.Duration

	// RetryBudget is the default wall-clock budget of one logical call.
	RetryBudget time.Duration

	// MaxAttempts is the default attempt cap, including the first attempt.
	MaxAttempts int

	// BaseDelay is the backoff before the first retry, doubled per attempt.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff before jitter.
	MaxDelay time.Duration

	// Jitter is the symmetric multiplicative jitter factor. Default 0.2.
	Jitter float64

	// Limiter optionally paces attempts. Nil disables rate limiting.
	Limiter *rate.Limiter

	Logger  hclog.Logger
	Metrics *telemetry.Metrics

	// Now and Sleep replace the wall clock, mainly for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor runs requests. It holds no per-call state and is safe for
// concurrent use.
type Executor struct {
	resolver    credentials.Resolver
	signer      *signer.Signer
	client      *http.Client
	timeout     time.Duration
	budget      time.Duration
	maxAttempts int
	backoff     backoffConfig
	limiter     *rate.Limiter
	logger      hclog.Logger
	metrics     *telemetry.Metrics
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// Request describes one logical call. Zero-valued overrides fall back to the
// executor defaults.
type Request struct {
	Method string
	Path   string
	Query  url.Values

	// Body is sent as JSON. []byte, json.RawMessage and string are sent
	// verbatim; anything else is marshaled.
	Body any

	CorrelationID  string
	IdempotencyKey string

	Timeout     time.Duration
	RetryBudget time.Duration
	MaxAttempts int
}

// Result is the decoded response body. Non-object bodies are wrapped as
// {"value": <body>}.
type Result map[string]any

// New creates an Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("credential resolver is required")
	}
	if cfg.Signer == nil {
		cfg.Signer = signer.New(signer.Config{})
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultRetryBudget
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		return nil, fmt.Errorf("max delay (%v) must not be less than base delay (%v)", cfg.MaxDelay, cfg.BaseDelay)
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = DefaultJitter
	}
	if cfg.Jitter >= 1 {
		return nil, fmt.Errorf("jitter must be in (0, 1), got: %v", cfg.Jitter)
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}

	return &Executor{
		resolver:    cfg.Resolver,
		signer:      cfg.Signer,
		client:      cfg.HTTPClient,
		timeout:     cfg.Timeout,
		budget:      cfg.RetryBudget,
		maxAttempts: cfg.MaxAttempts,
		backoff: backoffConfig{
			base:   cfg.BaseDelay,
			max:    cfg.MaxDelay,
			jitter: cfg.Jitter,
		},
		limiter: cfg.Limiter,
		logger:  cfg.Logger.Named("executor"),
		metrics: cfg.Metrics,
		now:     cfg.Now,
		sleep:   cfg.Sleep,
	}, nil
}

// Do executes req, retrying retryable failures. Every returned error is an
// *apierr.Error.
func (e *Executor) Do(ctx context.Context, req Request) (Result, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if err := validateRequest(method, req.Path); err != nil {
		return nil, err
	}

	creds, err := e.resolver.Resolve(ctx)
	if err != nil {
		return nil, apierr.WrapValidation("credentials", fmt.Errorf("failed to resolve credentials: %w", err))
	}
	if creds == nil {
		return nil, apierr.NewValidationError("credentials", "resolver returned no credentials")
	}
	normalized := creds.Normalize()
	if err := normalized.Validate(); err != nil {
		return nil, err
	}

	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, apierr.WrapValidation("body", err)
	}

	endpoint, err := buildURL(normalized.BaseURL, req.Path, req.Query)
	if err != nil {
		return nil, apierr.WrapValidation("path", err)
	}

	// One correlation id per logical call so retries share an idempotency key.
	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	timeout := pick(req.Timeout, e.timeout)
	state := newRetryState(e.now(), pick(req.RetryBudget, e.budget), pickInt(req.MaxAttempts, e.maxAttempts), e.backoff)

	signReq := signer.Request{
		Method:         method,
		Path:           req.Path,
		Query:          req.Query,
		Body:           body,
		CorrelationID:  correlationID,
		IdempotencyKey: req.IdempotencyKey,
	}

	var last *apierr.Error
	var rc *apierr.RequestContext
	for {
		if elapsed := state.elapsed(e.now()); elapsed > state.budget {
			e.metrics.BudgetExceeded(ctx, method)
			be := apierr.NewBudgetExceeded(state.budget, elapsed, state.attempts, correlationID, last)
			return nil, e.giveUp(ctx, method, be, rc)
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, e.giveUp(ctx, method, e.canceled(ctx, err, correlationID), rc)
			}
		}

		state.attempts++
		signed := e.signer.Sign(&normalized, signReq)
		rc = &apierr.RequestContext{
			Method:            method,
			Path:              req.Path,
			BaseURL:           normalized.BaseURL,
			TenantHeader:      signed.Tenant != "",
			UserTokenHeader:   signed.HasUserToken,
			IdempotencyHeader: signed.IdempotencyKey != "",
			Attempts:          state.attempts,
			Header:            apierr.Redact(signed.Header),
		}

		e.metrics.Attempt(ctx, method)
		e.logger.Debug("sending request",
			"method", method,
			"path", req.Path,
			"attempt", state.attempts,
			"correlation_id", correlationID,
		)

		result, failure := e.attempt(ctx, method, endpoint, signed.Header, body, timeout)
		if failure == nil {
			return result, nil
		}

		last = apierr.Classify(failure, correlationID, e.now())

		if ctx.Err() != nil {
			return nil, e.giveUp(ctx, method, e.canceled(ctx, ctx.Err(), correlationID), rc)
		}
		if !last.Retryable || state.attempts >= state.maxAttempts {
			return nil, e.giveUp(ctx, method, last, rc)
		}
		if elapsed := state.elapsed(e.now()); elapsed > state.budget {
			e.metrics.BudgetExceeded(ctx, method)
			be := apierr.NewBudgetExceeded(state.budget, elapsed, state.attempts, correlationID, last)
			return nil, e.giveUp(ctx, method, be, rc)
		}

		delay := state.nextDelay()
		if last.RetryAfter != nil && *last.RetryAfter > delay {
			delay = *last.RetryAfter
		}
		// The budget covers the sleeps too; never sleep past it.
		if elapsed := state.elapsed(e.now()); elapsed+delay > state.budget {
			e.metrics.BudgetExceeded(ctx, method)
			be := apierr.NewBudgetExceeded(state.budget, elapsed, state.attempts, correlationID, last)
			return nil, e.giveUp(ctx, method, be, rc)
		}

		e.metrics.Retry(ctx, method, retryCode(last))
		e.logger.Warn("retrying request",
			"method", method,
			"path", req.Path,
			"attempt", state.attempts,
			"status", last.HTTPStatus,
			"code", last.Code,
			"delay", delay,
			"correlation_id", last.CorrelationID,
		)

		if err := e.sleep(ctx, delay); err != nil {
			return nil, e.giveUp(ctx, method, e.canceled(ctx, err, correlationID), rc)
		}
	}
}

// attempt performs a single HTTP exchange. It returns a non-nil Failure for
// anything but a 2xx response.
func (e *Executor) attempt(ctx context.Context, method, endpoint string, header http.Header, body []byte, timeout time.Duration) (Result, apierr.Failure) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, method, endpoint, bodyReader)
	if err != nil {
		return nil, apierr.TransportFailure{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	for name, values := range header {
		httpReq.Header[name] = values
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, apierr.TransportFailure{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, apierr.TransportFailure{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierr.HTTPFailure{
			Status: resp.StatusCode,
			Header: resp.Header,
			Body:   respBody,
		}
	}

	return decodeResult(respBody), nil
}

func (e *Executor) giveUp(ctx context.Context, method string, err *apierr.Error, rc *apierr.RequestContext) *apierr.Error {
	if rc != nil {
		err = err.WithRequest(rc)
	}
	e.metrics.Failure(ctx, method, err.HTTPStatus, err.Retryable)
	e.logger.Debug("request failed",
		"method", method,
		"kind", err.Kind.String(),
		"status", err.HTTPStatus,
		"code", err.Code,
		"correlation_id", err.CorrelationID,
	)
	return err
}

func (e *Executor) canceled(ctx context.Context, cause error, correlationID string) *apierr.Error {
	if cause == nil {
		cause = ctx.Err()
	}
	ce := apierr.Classify(apierr.TransportFailure{Err: cause}, correlationID, e.now())
	ce.Retryable = false
	return ce
}

// Get issues a GET request.
func (e *Executor) Get(ctx context.Context, path string, query url.Values) (Result, error) {
	return e.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
}

// Post issues a POST request.
func (e *Executor) Post(ctx context.Context, path string, body any) (Result, error) {
	return e.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

// Put issues a PUT request.
func (e *Executor) Put(ctx context.Context, path string, body any) (Result, error) {
	return e.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: body})
}

// Patch issues a PATCH request.
func (e *Executor) Patch(ctx context.Context, path string, body any) (Result, error) {
	return e.Do(ctx, Request{Method: http.MethodPatch, Path: path, Body: body})
}

// Delete issues a DELETE request.
func (e *Executor) Delete(ctx context.Context, path string, query url.Values) (Result, error) {
	return e.Do(ctx, Request{Method: http.MethodDelete, Path: path, Query: query})
}

var allowedMethods = []interface{}{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
	http.MethodPatch, http.MethodDelete, http.MethodOptions,
}

func validateRequest(method, path string) error {
	if err := validation.Validate(method, validation.Required, validation.In(allowedMethods...)); err != nil {
		return apierr.WrapValidation("method", err)
	}
	if err := validation.Validate(path, validation.Required); err != nil {
		return apierr.WrapValidation("path", err)
	}
	if !strings.HasPrefix(path, "/") {
		return apierr.NewValidationError("path", "must start with /")
	}
	return nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		return data, nil
	}
}

func buildURL(baseURL, path string, query url.Values) (string, error) {
	u, err := url.Parse(baseURL + path)
	if err != nil {
		return "", fmt.Errorf("invalid request URL: %w", err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			q.Del(k)
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// decodeResult returns the body when it is a JSON object, else wraps it.
func decodeResult(body []byte) Result {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Result{"value": nil}
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return Result{"value": string(body)}
	}
	if obj, ok := v.(map[string]any); ok {
		return Result(obj)
	}
	return Result{"value": v}
}

func retryCode(e *apierr.Error) string {
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("http_%d", e.HTTPStatus)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func pick(override, def time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return def
}

func pickInt(override, def int) int {
	if override > 0 {
		return override
	}
	return def
}

// IsRetryBudgetExceeded reports whether err is the synthetic budget error.
func IsRetryBudgetExceeded(err error) bool {
	var ae *apierr.Error
	return errors.As(err, &ae) && ae.Kind == apierr.KindRetryBudgetExceeded
}
