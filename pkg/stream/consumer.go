// Package stream runs the reconnecting event stream consumer for one trigger
// instance.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/assetflow/assetflow/pkg/apierr"
	"github.com/assetflow/assetflow/pkg/credentials"
	"github.com/assetflow/assetflow/pkg/cursor"
	"github.com/assetflow/assetflow/pkg/event"
	"github.com/assetflow/assetflow/pkg/filter"
	"github.com/assetflow/assetflow/pkg/signer"
	"github.com/assetflow/assetflow/pkg/sink"
	"github.com/assetflow/assetflow/pkg/sse"
	"github.com/assetflow/assetflow/pkg/telemetry"
)

// Defaults.
const (
	DefaultPath           = "/api/v1/events/stream"
	DefaultReconnectDelay = 5 * time.Second
)

// ParamCursor is the query parameter carrying the resume cursor.
const ParamCursor = "cursor"

const maxErrorBody = 64 << 10

// FilterSource returns the filter for the next connection. It is called once
// per connection attempt so configuration changes apply on reconnect.
type FilterSource func(ctx context.Context) (filter.Config, error)

// StaticFilter always returns cfg.
func StaticFilter(cfg filter.Config) FilterSource {
	return func(context.Context) (filter.Config, error) { return cfg, nil }
}

// Hooks are optional callbacks invoked from the consumer goroutine.
type Hooks struct {
	// OnMalformedPayload is called for every payload that does not decode.
	OnMalformedPayload func(payload string, err error)

	// OnStreamError is called when a connection ends with an error.
	OnStreamError func(err error)

	// OnFiltered is called for every event rejected by the filter pipeline.
	OnFiltered func(ev *event.Event, stage filter.Stage)
}

// Config configures a Consumer.
type Config struct {
	Resolver   credentials.Resolver
	Signer     *signer.Signer
	HTTPClient *http.Client

	// Path is the stream endpoint. Default: DefaultPath.
	Path string

	// InstanceID scopes the cursor slot. Required.
	InstanceID string

	// Store persists the cursor. Default: an in-memory store.
	Store cursor.Store

	// Sink receives delivered events. Required.
	Sink sink.Sink

	// Filter is re-read before every connection. Default: no filtering.
	Filter FilterSource

	// ReconnectDelay is the pause between connections. Default: 5s.
	ReconnectDelay time.Duration

	// StartCursor, when set, replaces the stored cursor at start.
	StartCursor string

	// InitialCursor seeds an instance with no stored cursor. A stored cursor
	// always wins over it.
	InitialCursor string

	Hooks   Hooks
	Metrics *telemetry.Metrics
	Logger  hclog.Logger
}

// Consumer owns the reconnect loop of one trigger instance. Run must not be
// called concurrently.
type Consumer struct {
	resolver       credentials.Resolver
	signer         *signer.Signer
	client         *http.Client
	path           string
	instanceID     string
	store          cursor.Store
	sink           sink.Sink
	filter         FilterSource
	reconnectDelay time.Duration
	startCursor    string
	initialCursor  string
	hooks          Hooks
	metrics        *telemetry.Metrics
	logger         hclog.Logger

	mu      sync.Mutex
	cursor  string
	cancel  context.CancelFunc
	stopped atomic.Bool
	running atomic.Bool
}

// New creates a Consumer.
func New(cfg Config) (*Consumer, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("credential resolver is required")
	}
	if cfg.InstanceID == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.Signer == nil {
		cfg.Signer = signer.New(signer.Config{})
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Store == nil {
		cfg.Store = cursor.NewMemoryStore()
	}
	if cfg.Filter == nil {
		cfg.Filter = StaticFilter(filter.Config{})
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	return &Consumer{
		resolver:       cfg.Resolver,
		signer:         cfg.Signer,
		client:         cfg.HTTPClient,
		path:           cfg.Path,
		instanceID:     cfg.InstanceID,
		store:          cfg.Store,
		sink:           cfg.Sink,
		filter:         cfg.Filter,
		reconnectDelay: cfg.ReconnectDelay,
		startCursor:    cfg.StartCursor,
		initialCursor:  cfg.InitialCursor,
		hooks:          cfg.Hooks,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger.Named("stream-consumer").With("instance", cfg.InstanceID),
	}, nil
}

// Cursor returns the last checkpointed cursor.
func (c *Consumer) Cursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Run connects and reconnects until ctx is done or Stop is called. It returns
// nil after Stop and ctx.Err() after cancellation. Stream errors never end
// the loop.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("consumer is already running")
	}
	defer c.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	if c.stopped.Load() {
		return nil
	}

	c.logger.Info("starting stream consumer", "path", c.path)

	initialized := false
	for {
		if done, err := c.finished(ctx); done {
			return err
		}

		var err error
		if !initialized {
			if err = c.initCursor(runCtx); err == nil {
				initialized = true
				c.logger.Debug("cursor initialized", "cursor", c.Cursor())
			}
		}
		if initialized {
			err = c.connect(runCtx)
		}

		if err != nil {
			if done, ferr := c.finished(ctx); done {
				return ferr
			}
			c.logger.Warn("stream connection failed", "error", err)
			if c.hooks.OnStreamError != nil {
				c.hooks.OnStreamError(err)
			}
		} else {
			c.logger.Debug("stream ended")
		}

		if done, err := c.finished(ctx); done {
			return err
		}

		c.metrics.Reconnect(runCtx, c.instanceID)
		timer := time.NewTimer(c.reconnectDelay)
		select {
		case <-runCtx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Stop aborts the in-flight connection and ends Run. It is safe to call
// more than once and from any goroutine.
func (c *Consumer) Stop() {
	c.stopped.Store(true)
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// finished reports whether the loop must exit, and with which result.
func (c *Consumer) finished(ctx context.Context) (bool, error) {
	if c.stopped.Load() {
		c.logger.Info("stream consumer stopped")
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		c.logger.Info("stream consumer stopped by context")
		return true, err
	}
	return false, nil
}

func (c *Consumer) initCursor(ctx context.Context) error {
	if c.startCursor != "" {
		if err := c.store.Save(ctx, c.instanceID, c.startCursor); err != nil {
			return fmt.Errorf("failed to persist start cursor: %w", err)
		}
		c.setCursor(c.startCursor)
		return nil
	}

	stored, err := c.store.Load(ctx, c.instanceID)
	if err != nil {
		return fmt.Errorf("failed to load cursor: %w", err)
	}
	if stored == "" && c.initialCursor != "" {
		if err := c.store.Save(ctx, c.instanceID, c.initialCursor); err != nil {
			return fmt.Errorf("failed to persist initial cursor: %w", err)
		}
		stored = c.initialCursor
	}
	c.setCursor(stored)
	return nil
}

func (c *Consumer) setCursor(v string) {
	c.mu.Lock()
	c.cursor = v
	c.mu.Unlock()
}

// connect runs one connection until the stream ends.
func (c *Consumer) connect(ctx context.Context) error {
	fcfg, err := c.filter(ctx)
	if err != nil {
		return fmt.Errorf("failed to read filter config: %w", err)
	}
	pipeline, err := filter.New(fcfg)
	if err != nil {
		return err
	}

	creds, err := c.resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve credentials: %w", err)
	}
	if creds == nil {
		return apierr.NewValidationError("credentials", "resolver returned no credentials")
	}
	normalized := creds.Normalize()
	if err := normalized.Validate(); err != nil {
		return err
	}

	query := pipeline.ServerParams()
	if cur := c.Cursor(); cur != "" {
		query.Set(ParamCursor, cur)
	}

	u, err := url.Parse(normalized.BaseURL + c.path)
	if err != nil {
		return apierr.WrapValidation("path", err)
	}
	u.RawQuery = query.Encode()

	signed := c.signer.Sign(&normalized, signer.Request{
		Method: http.MethodGet,
		Path:   c.path,
		Query:  query,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for name, values := range signed.Header {
		req.Header[name] = values
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	c.logger.Debug("connecting",
		"filter", pipeline.String(),
		"cursor", query.Get(ParamCursor),
		"correlation_id", signed.CorrelationID,
	)

	resp, err := c.client.Do(req)
	if err != nil {
		return apierr.Classify(apierr.TransportFailure{Err: err}, signed.CorrelationID, time.Now())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return apierr.Classify(apierr.HTTPFailure{
			Status: resp.StatusCode,
			Header: resp.Header,
			Body:   body,
		}, signed.CorrelationID, time.Now())
	}

	c.logger.Info("stream connected", "correlation_id", signed.CorrelationID)

	err = sse.Read(ctx, resp.Body, func(payload string) error {
		return c.handle(ctx, pipeline, payload)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stream read failed: %w", err)
	}
	return nil
}

// handle decodes, filters, checkpoints and delivers one payload. Only a sink
// failure ends the connection.
func (c *Consumer) handle(ctx context.Context, p *filter.Pipeline, payload string) error {
	ev, err := event.Decode(payload)
	if err != nil {
		c.metrics.MalformedPayload(ctx, c.instanceID)
		c.logger.Debug("dropping malformed payload", "error", err, "bytes", len(payload))
		if c.hooks.OnMalformedPayload != nil {
			c.hooks.OnMalformedPayload(payload, err)
		}
		return nil
	}
	if ev.TimestampErr != nil {
		c.logger.Debug("ignoring event timestamp", "kref", ev.Kref, "error", ev.TimestampErr)
	}

	if ok, stage := p.Allow(ev); !ok {
		c.metrics.Filtered(ctx, c.instanceID, string(stage))
		if c.hooks.OnFiltered != nil {
			c.hooks.OnFiltered(ev, stage)
		}
		return nil
	}

	// Checkpoint before delivery: a crash in between skips one event rather
	// than redelivering it forever.
	if ev.Cursor != "" && ev.Cursor != c.Cursor() {
		c.setCursor(ev.Cursor)
		if err := c.store.Save(ctx, c.instanceID, ev.Cursor); err != nil {
			c.logger.Warn("failed to persist cursor", "cursor", ev.Cursor, "error", err)
		} else {
			c.metrics.Checkpoint(ctx, c.instanceID)
		}
	}

	if err := c.sink.Emit(ctx, sink.Record{InstanceID: c.instanceID, Event: *ev}); err != nil {
		return fmt.Errorf("failed to deliver event %s: %w", ev.Kref, err)
	}
	c.metrics.Delivered(ctx, c.instanceID, ev.RoutingKey)
	return nil
}
