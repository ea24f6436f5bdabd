package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetflow/assetflow/internal/cmd/base"
	"github.com/assetflow/assetflow/pkg/cursor"
	"github.com/assetflow/assetflow/pkg/filter"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "assetflow.hcl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRun_DeliversAndCheckpoints(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gotFilter := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFilter <- r.URL.Query().Get(filter.ParamRoutingKeyFilter)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "data: {\"kref\":\"kref://p/s/a.model\",\"routing_key\":\"item.created\",\"cursor\":\"c1\"}\n\n")
		w.(http.Flusher).Flush()
		time.Sleep(50 * time.Millisecond)
		cancel()
		<-r.Context().Done()
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(`
base_url      = %q
service_token = "svc-secret"

stream {
  instance_id  = "w1"
  trigger_type = "item"
}

cursor_store {
  type = "file"
  path = %q
}
`, srv.URL, dir))

	ui := cli.NewMockUi()
	var out bytes.Buffer
	cmd := &Command{Command: &base.Command{
		Log: hclog.NewNullLogger(),
		UI:  ui,
		Out: &out,
		Ctx: ctx,
	}}

	code := cmd.Run([]string{"-config", path, "-action", "created"})
	require.Equal(t, 0, code, ui.ErrorWriter.String())

	assert.Equal(t, "item.created", <-gotFilter)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &rec))
	assert.Equal(t, "w1", rec["instance_id"])
	assert.Equal(t, "kref://p/s/a.model", rec["kref"])

	store, err := cursor.Open(context.Background(), cursor.StoreConfig{Type: "file", Path: dir}, nil)
	require.NoError(t, err)
	saved, err := store.Load(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, "c1", saved)

	assert.Contains(t, ui.OutputWriter.String(), `Stopped at cursor "c1"`)
}

func TestRun_RequiresInstance(t *testing.T) {
	t.Setenv("ASSETFLOW_CONFIG", "")
	ui := cli.NewMockUi()
	cmd := &Command{Command: &base.Command{Log: hclog.NewNullLogger(), UI: ui, Out: &bytes.Buffer{}}}

	assert.Equal(t, 1, cmd.Run(nil))
	assert.Contains(t, ui.ErrorWriter.String(), "instance id is required")
}

func TestRun_InvalidFilterFlag(t *testing.T) {
	t.Setenv("ASSETFLOW_CONFIG", "")
	ui := cli.NewMockUi()
	cmd := &Command{Command: &base.Command{Log: hclog.NewNullLogger(), UI: ui, Out: &bytes.Buffer{}}}

	assert.Equal(t, 1, cmd.Run([]string{"-instance", "w1", "-trigger-type", "widget"}))
	assert.Contains(t, ui.ErrorWriter.String(), "invalid filter")
}

func TestFilterSource_ReloadsConfig(t *testing.T) {
	path := writeConfig(t, `
stream {
  trigger_type = "item"
}
`)
	cmd := &Command{Command: &base.Command{Log: hclog.NewNullLogger(), UI: cli.NewMockUi()}}
	require.NoError(t, cmd.Flags().Parse([]string{"-config", path, "-name", "hero*"}))

	cfg, err := cmd.LoadConfig(path)
	require.NoError(t, err)
	src := cmd.filterSource(cfg)

	fc, err := src(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filter.TriggerItem, fc.TriggerType)
	assert.Equal(t, "hero*", fc.NamePattern)

	require.NoError(t, os.WriteFile(path, []byte(`
stream {
  trigger_type = "artifact"
}
`), 0o600))
	fc, err = src(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filter.TriggerArtifact, fc.TriggerType)
	assert.Equal(t, "hero*", fc.NamePattern, "flags still override")

	require.NoError(t, os.WriteFile(path, []byte(`stream {`), 0o600))
	fc, err = src(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filter.TriggerArtifact, fc.TriggerType, "broken file keeps last good filter")
}

func TestFilterSource_ReloadsConfigFromEnv(t *testing.T) {
	path := writeConfig(t, `
stream {
  trigger_type = "item"
}
`)
	t.Setenv(base.EnvConfig, path)

	cmd := &Command{Command: &base.Command{Log: hclog.NewNullLogger(), UI: cli.NewMockUi()}}
	require.NoError(t, cmd.Flags().Parse(nil))

	cfg, err := cmd.LoadConfig("")
	require.NoError(t, err)
	src := cmd.filterSource(cfg)

	require.NoError(t, os.WriteFile(path, []byte(`
stream {
  trigger_type = "revision"
}
`), 0o600))
	fc, err := src(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filter.TriggerRevision, fc.TriggerType)
}

func TestRun_ConfigStartCursorKeepsPersistedCursor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gotCursor := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case gotCursor <- r.URL.Query().Get("cursor"):
		default:
		}
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		cancel()
		<-r.Context().Done()
	}))
	defer srv.Close()

	dir := t.TempDir()
	store, err := cursor.Open(context.Background(), cursor.StoreConfig{Type: "file", Path: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "w1", "c9"))

	path := writeConfig(t, fmt.Sprintf(`
base_url      = %q
service_token = "svc-secret"

stream {
  instance_id  = "w1"
  start_cursor = "c1"
}

cursor_store {
  type = "file"
  path = %q
}
`, srv.URL, dir))

	ui := cli.NewMockUi()
	cmd := &Command{Command: &base.Command{
		Log: hclog.NewNullLogger(),
		UI:  ui,
		Out: &bytes.Buffer{},
		Ctx: ctx,
	}}

	require.Equal(t, 0, cmd.Run([]string{"-config", path}), ui.ErrorWriter.String())
	assert.Equal(t, "c9", <-gotCursor)

	saved, err := store.Load(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, "c9", saved)
}
