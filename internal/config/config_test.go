package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetflow/assetflow/pkg/executor"
	"github.com/assetflow/assetflow/pkg/filter"
	"github.com/assetflow/assetflow/pkg/stream"
)

const fullConfig = `
base_url      = "https://assets.example.com/"
service_token = env("TEST_ASSETFLOW_TOKEN")

client {
  timeout      = "30s"
  retry_budget = "2m"
  max_attempts = 3
  base_delay   = "500ms"
  max_delay    = "8s"
  rate_limit   = 2.5
}

stream {
  instance_id     = "publish-watch"
  trigger_type    = "revision"
  action          = "tagged"
  subtree         = "kref://film/shots"
  name_pattern    = "*.exr"
  reconnect_delay = "2s"
}

cursor_store {
  type = "sqlite"
  dsn  = ":memory:"
}

sink {
  type   = "stdout"
  format = "yaml"
}
`

func TestParse(t *testing.T) {
	t.Setenv("TEST_ASSETFLOW_TOKEN", "from-env")

	cfg, err := Parse("assetflow.hcl", []byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.ServiceToken)
	assert.Equal(t, "publish-watch", cfg.Stream.InstanceID)
	assert.Equal(t, "sqlite", cfg.CursorStore.Type)
	assert.Equal(t, "yaml", cfg.Sink.Format)

	s, err := cfg.ClientSettings()
	require.NoError(t, err)
	assert.Equal(t, ClientSettings{
		Timeout:     30 * time.Second,
		RetryBudget: 2 * time.Minute,
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		RateLimit:   2.5,
		RateBurst:   1,
	}, s)

	d, err := cfg.ReconnectDelay()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	assert.Equal(t, filter.Config{
		TriggerType: filter.TriggerRevision,
		Action:      filter.ActionTagged,
		Subtree:     "kref://film/shots",
		NamePattern: "*.exr",
	}, cfg.FilterConfig())
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse("assetflow.hcl", []byte(""))
	require.NoError(t, err)

	require.NotNil(t, cfg.Client)
	require.NotNil(t, cfg.Stream)
	require.NotNil(t, cfg.CursorStore)
	require.NotNil(t, cfg.Sink)

	s, err := cfg.ClientSettings()
	require.NoError(t, err)
	assert.Equal(t, executor.DefaultTimeout, s.Timeout)
	assert.Equal(t, executor.DefaultRetryBudget, s.RetryBudget)
	assert.Equal(t, executor.DefaultMaxAttempts, s.MaxAttempts)
	assert.Equal(t, executor.DefaultBaseDelay, s.BaseDelay)
	assert.Equal(t, executor.DefaultMaxDelay, s.MaxDelay)

	d, err := cfg.ReconnectDelay()
	require.NoError(t, err)
	assert.Equal(t, stream.DefaultReconnectDelay, d)
}

func TestParse_JSON(t *testing.T) {
	cfg, err := Parse("assetflow.json", []byte(`{
  "base_url": "https://assets.example.com",
  "stream": {"instance_id": "j1", "trigger_type": "item"}
}`))
	require.NoError(t, err)
	assert.Equal(t, "j1", cfg.Stream.InstanceID)
	assert.Equal(t, filter.TriggerItem, cfg.FilterConfig().TriggerType)
}

func TestClientSettings_EnvOverridesFile(t *testing.T) {
	t.Setenv(EnvTimeoutMS, "1500")
	t.Setenv(EnvRetryBudgetMS, "90000")

	cfg, err := Parse("assetflow.hcl", []byte(`
client {
  timeout      = "30s"
  retry_budget = "2m"
}
`))
	require.NoError(t, err)

	s, err := cfg.ClientSettings()
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, s.Timeout)
	assert.Equal(t, 90*time.Second, s.RetryBudget)
}

func TestValidate_AggregatesErrors(t *testing.T) {
	t.Setenv(EnvTimeoutMS, "soon")

	_, err := Parse("assetflow.hcl", []byte(`
client {
  max_attempts = -1
  base_delay   = "10s"
  max_delay    = "1s"
}

stream {
  trigger_type    = "widget"
  reconnect_delay = "often"
}

cursor_store {
  type = "etcd"
}

sink {
  type = "sqs"
}
`))
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 7)

	msg := err.Error()
	for _, want := range []string{
		EnvTimeoutMS,
		"client.max_attempts",
		"client.max_delay",
		"stream.reconnect_delay",
		"trigger_type",
		`cursor_store: unknown type "etcd"`,
		`sink: unknown type "sqs"`,
	} {
		assert.Contains(t, msg, want)
	}
}

func TestParse_SyntaxError(t *testing.T) {
	_, err := Parse("assetflow.hcl", []byte(`client {`))
	assert.ErrorContains(t, err, "failed to parse configuration")
}

func TestLoad(t *testing.T) {
	_, err := Load("")
	assert.ErrorContains(t, err, "path is required")

	_, err = Load(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.ErrorContains(t, err, "not found")

	path := filepath.Join(t.TempDir(), "assetflow.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`base_url = "https://assets.example.com"`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://assets.example.com", cfg.BaseURL)
}

func TestResolver_EnvWinsOverFile(t *testing.T) {
	t.Setenv("ASSETFLOW_SERVICE_TOKEN", "Bearer env-token")

	cfg, err := Parse("assetflow.hcl", []byte(`
base_url      = "https://assets.example.com/"
service_token = "file-token"
tenant_id     = "acme"
`))
	require.NoError(t, err)

	creds, err := cfg.Resolver().Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://assets.example.com", creds.BaseURL)
	assert.Equal(t, "env-token", creds.ServiceToken)
	assert.Equal(t, "acme", creds.TenantID)
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	assert.NotNil(t, cfg.Sink)

	t.Setenv(EnvRetryBudgetMS, "0")
	_, err = Default()
	assert.ErrorContains(t, err, EnvRetryBudgetMS)
}
