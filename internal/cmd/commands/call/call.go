package call

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/assetflow/assetflow/internal/cmd/base"
	"github.com/assetflow/assetflow/pkg/apierr"
	"github.com/assetflow/assetflow/pkg/executor"
)

type Command struct {
	*base.Command

	flagConfig         string
	flagMethod         string
	flagPath           string
	flagQuery          []string
	flagData           string
	flagCorrelationID  string
	flagIdempotencyKey string
	flagTimeout        time.Duration
	flagRetryBudget    time.Duration
	flagMaxAttempts    int
	flagFormat         string
}

func (c *Command) Synopsis() string {
	return "Send one request to the asset service, retrying transient failures"
}

func (c *Command) Help() string {
	return `Usage: assetflow call -path <path> [options]

  Sends one logical request to the asset service. Retryable failures are
  retried with jittered exponential backoff until the attempt cap or the
  retry budget runs out. The decoded response body is printed.` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("call", flag.ContinueOnError))

	f.StringVar(
		&c.flagConfig, "config", "",
		"[ASSETFLOW_CONFIG] Path to the assetflow config file",
	)
	f.StringVar(
		&c.flagMethod, "method", "GET",
		"HTTP method",
	)
	f.StringVar(
		&c.flagPath, "path", "",
		"(Required) Request path, e.g. /api/v1/items",
	)
	f.StringSliceVar(
		&c.flagQuery, "query",
		"Query parameter as key=value. May be repeated",
	)
	f.StringVar(
		&c.flagData, "data", "",
		"JSON request body, or @file to read it from a file",
	)
	f.StringVar(
		&c.flagCorrelationID, "correlation-id", "",
		"Correlation id shared by every attempt. Generated when empty",
	)
	f.StringVar(
		&c.flagIdempotencyKey, "idempotency-key", "",
		"Explicit idempotency key for POST and PATCH",
	)
	f.DurationVar(
		&c.flagTimeout, "timeout", 0,
		"Per-attempt timeout. Overrides config and ASSETFLOW_TIMEOUT_MS",
	)
	f.DurationVar(
		&c.flagRetryBudget, "retry-budget", 0,
		"Wall-clock budget for all attempts. Overrides config and ASSETFLOW_RETRY_BUDGET_MS",
	)
	f.IntVar(
		&c.flagMaxAttempts, "max-attempts", 0,
		"Attempt cap including the first attempt",
	)
	f.StringVar(
		&c.flagFormat, "format", base.FormatJSON,
		"Output format (json, yaml)",
	)

	return f
}

func (c *Command) Run(args []string) int {
	flags := c.Flags()
	if err := flags.Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	if c.flagPath == "" {
		c.UI.Error("path flag is required")
		return 1
	}

	query, err := parseQuery(c.flagQuery)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	body, err := readBody(c.flagData)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	cfg, err := c.LoadConfig(c.flagConfig)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error loading config: %v", err))
		return 1
	}

	exec, err := c.Executor(cfg)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error creating executor: %v", err))
		return 1
	}

	ctx, cancel := base.SignalContext(c.Context())
	defer cancel()

	req := executor.Request{
		Method:         strings.ToUpper(c.flagMethod),
		Path:           c.flagPath,
		Query:          query,
		CorrelationID:  c.flagCorrelationID,
		IdempotencyKey: c.flagIdempotencyKey,
		Timeout:        c.flagTimeout,
		RetryBudget:    c.flagRetryBudget,
		MaxAttempts:    c.flagMaxAttempts,
	}
	if body != nil {
		req.Body = body
	}

	result, err := exec.Do(ctx, req)
	if err != nil {
		c.UI.Error(err.Error())
		var apiErr *apierr.Error
		if errors.As(err, &apiErr) && apiErr.Kind == apierr.KindValidation {
			return 2
		}
		return 1
	}

	if err := base.Render(c.Out, c.flagFormat, result); err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	return 0
}

func parseQuery(pairs []string) (url.Values, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	q := url.Values{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid query parameter %q, expected key=value", p)
		}
		q.Add(k, v)
	}
	return q, nil
}

// readBody returns the request body, or nil when data is empty.
func readBody(data string) (json.RawMessage, error) {
	if data == "" {
		return nil, nil
	}
	raw := []byte(data)
	if name, ok := strings.CutPrefix(data, "@"); ok {
		b, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("error reading body: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("request body is not valid JSON")
	}
	return json.RawMessage(raw), nil
}
