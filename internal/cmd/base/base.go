// Package base holds what every assetflow command shares: the logger, the
// UI, flag help rendering and construction of the core components from the
// configuration file.
package base

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/assetflow/assetflow/internal/config"
	"github.com/assetflow/assetflow/pkg/executor"
	"github.com/assetflow/assetflow/pkg/signer"
	"github.com/assetflow/assetflow/pkg/telemetry"
)

// Output formats accepted by Render.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// EnvConfig names the config file when -config is not given.
const EnvConfig = "ASSETFLOW_CONFIG"

// Command is embedded by every command.
type Command struct {
	Log hclog.Logger
	UI  cli.Ui

	// Out receives command results. Logs and UI messages go elsewhere so
	// results can be piped.
	Out io.Writer

	// Ctx is the parent context of every run. Default: context.Background().
	Ctx context.Context
}

// New creates a Command writing results to stdout.
func New(log hclog.Logger, ui cli.Ui) *Command {
	return &Command{Log: log, UI: ui, Out: os.Stdout}
}

// Context returns the parent context of a run.
func (c *Command) Context() context.Context {
	if c.Ctx != nil {
		return c.Ctx
	}
	return context.Background()
}

// FlagSet wraps flag.FlagSet with help rendering.
type FlagSet struct {
	*flag.FlagSet
}

// NewFlagSet wraps f.
func NewFlagSet(f *flag.FlagSet) *FlagSet {
	f.SetOutput(io.Discard)
	return &FlagSet{FlagSet: f}
}

// Help renders the flags for inclusion in a command's help text.
func (f *FlagSet) Help() string {
	var b strings.Builder
	b.WriteString("\n\nOptions:\n")
	f.VisitAll(func(fl *flag.Flag) {
		fmt.Fprintf(&b, "\n  -%s", fl.Name)
		if fl.DefValue != "" && fl.DefValue != "0" && fl.DefValue != "false" {
			fmt.Fprintf(&b, "=%s", fl.DefValue)
		}
		fmt.Fprintf(&b, "\n      %s\n", fl.Usage)
	})
	return strings.TrimRight(b.String(), "\n")
}

// LoadConfig loads the file at path (or ASSETFLOW_CONFIG), or an empty
// configuration driven by the environment when neither is set.
func (c *Command) LoadConfig(path string) (*config.Config, error) {
	path = ConfigPath(path)
	if path == "" {
		return config.Default()
	}
	return config.Load(path)
}

// ConfigPath returns flagPath, or the ASSETFLOW_CONFIG path when the flag is
// empty. An empty result means no config file.
func ConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	return os.Getenv(EnvConfig)
}

// Signer builds the request signer described by cfg.
func (c *Command) Signer(cfg *config.Config) *signer.Signer {
	return signer.New(signer.Config{
		ServiceName:                cfg.Client.ServiceName,
		ClientTag:                  cfg.Client.ClientTag,
		IdempotencySuppressedPaths: cfg.Client.IdempotencySuppressedPaths,
	})
}

// Metrics returns instruments on the global meter provider, or no-op
// instruments when they cannot be created.
func (c *Command) Metrics() *telemetry.Metrics {
	m, err := telemetry.NewGlobal()
	if err != nil {
		c.Log.Warn("metrics disabled", "error", err)
		return telemetry.Noop()
	}
	return m
}

// Executor builds the request executor described by cfg.
func (c *Command) Executor(cfg *config.Config) (*executor.Executor, error) {
	s, err := cfg.ClientSettings()
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if s.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.RateLimit), s.RateBurst)
	}

	return executor.New(executor.Config{
		Resolver:    cfg.Resolver(),
		Signer:      c.Signer(cfg),
		Timeout:     s.Timeout,
		RetryBudget: s.RetryBudget,
		MaxAttempts: s.MaxAttempts,
		BaseDelay:   s.BaseDelay,
		MaxDelay:    s.MaxDelay,
		Limiter:     limiter,
		Logger:      c.Log,
		Metrics:     c.Metrics(),
	})
}

// SignalContext returns a context canceled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Render writes v to w as indented JSON or as YAML.
func Render(w io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case "", FormatJSON:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		_, err := w.Write(buf.Bytes())
		return err
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ",") }

func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// StringSliceVar defines a flag that may be repeated.
func (f *FlagSet) StringSliceVar(p *[]string, name, usage string) {
	f.Var((*stringSlice)(p), name, usage)
}
