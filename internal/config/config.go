// Package config loads the assetflow HCL configuration file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"github.com/assetflow/assetflow/pkg/credentials"
	"github.com/assetflow/assetflow/pkg/cursor"
	"github.com/assetflow/assetflow/pkg/executor"
	"github.com/assetflow/assetflow/pkg/filter"
	"github.com/assetflow/assetflow/pkg/sink"
	"github.com/assetflow/assetflow/pkg/stream"
)

// Process-level defaults, in milliseconds. They take precedence over the
// file; per-call overrides take precedence over both.
const (
	EnvTimeoutMS     = "ASSETFLOW_TIMEOUT_MS"
	EnvRetryBudgetMS = "ASSETFLOW_RETRY_BUDGET_MS"
)

// Config is the root of the configuration file.
type Config struct {
	BaseURL      string `hcl:"base_url,optional"`
	ServiceToken string `hcl:"service_token,optional"`
	TenantID     string `hcl:"tenant_id,optional"`
	UserToken    string `hcl:"user_token,optional"`

	Client      *Client             `hcl:"client,block"`
	Stream      *Stream             `hcl:"stream,block"`
	CursorStore *cursor.StoreConfig `hcl:"cursor_store,block"`
	Sink        *sink.Config        `hcl:"sink,block"`
}

// Client configures the request executor and signer.
type Client struct {
	Timeout     string `hcl:"timeout,optional"`
	RetryBudget string `hcl:"retry_budget,optional"`
	MaxAttempts int    `hcl:"max_attempts,optional"`
	BaseDelay   string `hcl:"base_delay,optional"`
	MaxDelay    string `hcl:"max_delay,optional"`

	ServiceName                string   `hcl:"service_name,optional"`
	ClientTag                  string   `hcl:"client_tag,optional"`
	IdempotencySuppressedPaths []string `hcl:"idempotency_suppressed_paths,optional"`

	// RateLimit is in requests per second; zero disables limiting.
	RateLimit float64 `hcl:"rate_limit,optional"`
	RateBurst int     `hcl:"rate_burst,optional"`
}

// Stream configures the streaming consumer.
type Stream struct {
	Path           string `hcl:"path,optional"`
	InstanceID     string `hcl:"instance_id,optional"`
	ReconnectDelay string `hcl:"reconnect_delay,optional"`

	// StartCursor seeds an instance that has no persisted cursor yet.
	StartCursor string `hcl:"start_cursor,optional"`

	TriggerType string `hcl:"trigger_type,optional"`
	Action      string `hcl:"action,optional"`
	Subtree     string `hcl:"subtree,optional"`
	NamePattern string `hcl:"name_pattern,optional"`
	ItemName    string `hcl:"item_name,optional"`
	ItemKind    string `hcl:"item_kind,optional"`
}

// ClientSettings are the parsed client values with defaults applied.
type ClientSettings struct {
	Timeout     time.Duration
	RetryBudget time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	RateLimit   float64
	RateBurst   int
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path is required")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", path)
	}

	var cfg Config
	if err := hclsimple.DecodeFile(path, evalContext(), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file: %w", err)
	}
	return finish(&cfg)
}

// Parse decodes src as if it were read from filename. The extension of
// filename selects native HCL (".hcl") or JSON (".json") syntax.
func Parse(filename string, src []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, src, evalContext(), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return finish(&cfg)
}

// Default returns a configuration with every block present and nothing set,
// for running on environment variables alone. The error reports invalid
// process-level overrides.
func Default() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	if cfg.Client == nil {
		cfg.Client = &Client{}
	}
	if cfg.Stream == nil {
		cfg.Stream = &Stream{}
	}
	if cfg.CursorStore == nil {
		cfg.CursorStore = &cursor.StoreConfig{}
	}
	if cfg.Sink == nil {
		cfg.Sink = &sink.Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// evalContext exposes env("NAME") to configuration expressions so secrets can
// stay in the environment.
func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{
			"env": function.New(&function.Spec{
				Params: []function.Parameter{
					{Name: "name", Type: cty.String},
				},
				Type: function.StaticReturnType(cty.String),
				Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
					return cty.StringVal(os.Getenv(args[0].AsString())), nil
				},
			}),
		},
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if _, err := c.ClientSettings(); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := c.ReconnectDelay(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.FilterConfig().Validate(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stream: %w", err))
	}

	switch strings.ToLower(c.CursorStore.Type) {
	case "", cursor.TypeMemory, cursor.TypeFile, cursor.TypeSQLite, cursor.TypePostgres, cursor.TypeRedis:
	default:
		result = multierror.Append(result, fmt.Errorf("cursor_store: unknown type %q", c.CursorStore.Type))
	}
	switch strings.ToLower(c.Sink.Type) {
	case "", sink.TypeStdout, sink.TypeKafka:
	default:
		result = multierror.Append(result, fmt.Errorf("sink: unknown type %q", c.Sink.Type))
	}

	return result.ErrorOrNil()
}

// ClientSettings parses the client block. Timeout and retry budget come from
// the environment first, then the file, then the executor defaults.
func (c *Config) ClientSettings() (ClientSettings, error) {
	var result *multierror.Error
	s := ClientSettings{
		MaxAttempts: c.Client.MaxAttempts,
		RateLimit:   c.Client.RateLimit,
		RateBurst:   c.Client.RateBurst,
	}

	var err error
	if s.Timeout, err = resolveDuration(EnvTimeoutMS, "client.timeout", c.Client.Timeout, executor.DefaultTimeout); err != nil {
		result = multierror.Append(result, err)
	}
	if s.RetryBudget, err = resolveDuration(EnvRetryBudgetMS, "client.retry_budget", c.Client.RetryBudget, executor.DefaultRetryBudget); err != nil {
		result = multierror.Append(result, err)
	}
	if s.BaseDelay, err = parseDuration("client.base_delay", c.Client.BaseDelay, executor.DefaultBaseDelay); err != nil {
		result = multierror.Append(result, err)
	}
	if s.MaxDelay, err = parseDuration("client.max_delay", c.Client.MaxDelay, executor.DefaultMaxDelay); err != nil {
		result = multierror.Append(result, err)
	}

	if s.MaxAttempts < 0 {
		result = multierror.Append(result, fmt.Errorf("client.max_attempts must not be negative"))
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = executor.DefaultMaxAttempts
	}
	if s.MaxDelay < s.BaseDelay {
		result = multierror.Append(result, fmt.Errorf("client.max_delay must not be less than client.base_delay"))
	}
	if s.RateLimit < 0 {
		result = multierror.Append(result, fmt.Errorf("client.rate_limit must not be negative"))
	}
	if s.RateLimit > 0 && s.RateBurst <= 0 {
		s.RateBurst = 1
	}

	return s, result.ErrorOrNil()
}

// ReconnectDelay parses stream.reconnect_delay.
func (c *Config) ReconnectDelay() (time.Duration, error) {
	return parseDuration("stream.reconnect_delay", c.Stream.ReconnectDelay, stream.DefaultReconnectDelay)
}

// FilterConfig returns the stream filter.
func (c *Config) FilterConfig() filter.Config {
	return filter.Config{
		TriggerType: filter.TriggerType(c.Stream.TriggerType),
		Action:      filter.Action(c.Stream.Action),
		Subtree:     c.Stream.Subtree,
		NamePattern: c.Stream.NamePattern,
		ItemName:    c.Stream.ItemName,
		ItemKind:    c.Stream.ItemKind,
	}
}

// Resolver returns a resolver reading the ASSETFLOW_* credential variables
// on every call, falling back to the values in the file.
func (c *Config) Resolver() credentials.Resolver {
	return &credentials.EnvResolver{Fallback: credentials.Credentials{
		BaseURL:      c.BaseURL,
		ServiceToken: c.ServiceToken,
		TenantID:     c.TenantID,
		UserToken:    c.UserToken,
	}}
}

func resolveDuration(env, field, value string, def time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			return def, fmt.Errorf("%s must be a positive number of milliseconds, got %q", env, v)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	return parseDuration(field, value, def)
}

func parseDuration(field, value string, def time.Duration) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return def, fmt.Errorf("%s must be positive", field)
	}
	return d, nil
}

// Example configuration file:
//
//	base_url      = "https://assets.example.com"
//	service_token = env("ASSETFLOW_SERVICE_TOKEN")
//
//	client {
//	  timeout      = "30s"
//	  retry_budget = "2m"
//	  max_attempts = 5
//	}
//
//	stream {
//	  instance_id     = "publish-watch"
//	  trigger_type    = "revision"
//	  action          = "tagged"
//	  subtree         = "kref://film/shots"
//	  name_pattern    = "*.exr"
//	  reconnect_delay = "5s"
//	}
//
//	cursor_store {
//	  type = "sqlite"
//	  dsn  = "/var/lib/assetflow/cursors.db"
//	}
//
//	sink {
//	  type    = "kafka"
//	  brokers = ["localhost:9092"]
//	  topic   = "assetflow.events"
//	}
