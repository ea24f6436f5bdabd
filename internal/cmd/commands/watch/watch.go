package watch

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sync"

	"github.com/assetflow/assetflow/internal/cmd/base"
	"github.com/assetflow/assetflow/internal/config"
	"github.com/assetflow/assetflow/pkg/cursor"
	"github.com/assetflow/assetflow/pkg/event"
	"github.com/assetflow/assetflow/pkg/filter"
	"github.com/assetflow/assetflow/pkg/sink"
	"github.com/assetflow/assetflow/pkg/stream"
)

type Command struct {
	*base.Command

	flagConfig      string
	flagInstance    string
	flagStartCursor string
	flagFormat      string
	flagTriggerType string
	flagAction      string
	flagSubtree     string
	flagName        string
	flagItemName    string
	flagItemKind    string
}

func (c *Command) Synopsis() string {
	return "Stream asset service events until interrupted"
}

func (c *Command) Help() string {
	return `Usage: assetflow watch [options]

  Connects to the asset service event stream and delivers every event that
  passes the configured filters to the configured sink. The stream is
  reconnected from the last checkpointed cursor until SIGINT or SIGTERM.

  Filter flags override the stream block of the config file. Without flags,
  the filter is re-read from the config file on every reconnect.` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("watch", flag.ContinueOnError))

	f.StringVar(
		&c.flagConfig, "config", "",
		"[ASSETFLOW_CONFIG] Path to the assetflow config file",
	)
	f.StringVar(
		&c.flagInstance, "instance", "",
		"Trigger instance id scoping the persisted cursor. Overrides stream.instance_id",
	)
	f.StringVar(
		&c.flagStartCursor, "start-cursor", "",
		"Resume from this cursor instead of the persisted one. Unlike stream.start_cursor, which only seeds an instance with no persisted cursor, this always replaces it",
	)
	f.StringVar(
		&c.flagFormat, "format", "",
		"Output format of the stdout sink (json, yaml)",
	)
	f.StringVar(
		&c.flagTriggerType, "trigger-type", "",
		"Resource type to watch (any, item, revision, artifact, project, space, edge)",
	)
	f.StringVar(
		&c.flagAction, "action", "",
		"Action to watch (any, created, updated, deleted, tagged, untagged)",
	)
	f.StringVar(
		&c.flagSubtree, "subtree", "",
		"Only deliver events at or below this kref path",
	)
	f.StringVar(
		&c.flagName, "name", "",
		"Name pattern; supports * and ? wildcards",
	)
	f.StringVar(
		&c.flagItemName, "item-name", "",
		"Item name pattern",
	)
	f.StringVar(
		&c.flagItemKind, "item-kind", "",
		"Item kind pattern",
	)

	return f
}

func (c *Command) Run(args []string) int {
	logger, ui := c.Log, c.UI

	flags := c.Flags()
	if err := flags.Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	cfg, err := c.LoadConfig(c.flagConfig)
	if err != nil {
		ui.Error(fmt.Sprintf("error loading config: %v", err))
		return 1
	}

	instanceID := c.flagInstance
	if instanceID == "" {
		instanceID = cfg.Stream.InstanceID
	}
	if instanceID == "" {
		ui.Error("instance id is required (-instance or stream.instance_id)")
		return 1
	}

	if err := c.overrideFilter(cfg.FilterConfig()).Validate(); err != nil {
		ui.Error(fmt.Sprintf("invalid filter: %v", err))
		return 1
	}

	reconnectDelay, err := cfg.ReconnectDelay()
	if err != nil {
		ui.Error(err.Error())
		return 1
	}

	ctx, cancel := base.SignalContext(c.Context())
	defer cancel()

	store, err := cursor.Open(ctx, *cfg.CursorStore, logger)
	if err != nil {
		ui.Error(fmt.Sprintf("error opening cursor store: %v", err))
		return 1
	}
	defer func() {
		if err := cursor.Close(store); err != nil {
			logger.Warn("error closing cursor store", "error", err)
		}
	}()

	sinkCfg := *cfg.Sink
	if c.flagFormat != "" {
		sinkCfg.Format = c.flagFormat
	}
	out, err := sink.Open(ctx, sinkCfg, c.Out, logger)
	if err != nil {
		ui.Error(fmt.Sprintf("error opening sink: %v", err))
		return 1
	}
	defer func() {
		if err := out.Close(); err != nil {
			logger.Warn("error closing sink", "error", err)
		}
	}()

	consumer, err := stream.New(stream.Config{
		Resolver:       cfg.Resolver(),
		Signer:         c.Signer(cfg),
		Path:           cfg.Stream.Path,
		InstanceID:     instanceID,
		Store:          store,
		Sink:           out,
		Filter:         c.filterSource(cfg),
		ReconnectDelay: reconnectDelay,
		StartCursor:    c.flagStartCursor,
		InitialCursor:  cfg.Stream.StartCursor,
		Hooks: stream.Hooks{
			OnMalformedPayload: func(payload string, err error) {
				logger.Warn("dropped malformed payload", "error", err, "bytes", len(payload))
			},
			OnFiltered: func(ev *event.Event, stage filter.Stage) {
				logger.Trace("event filtered", "kref", ev.Kref, "stage", stage)
			},
		},
		Metrics: c.Metrics(),
		Logger:  logger,
	})
	if err != nil {
		ui.Error(fmt.Sprintf("error creating stream consumer: %v", err))
		return 1
	}

	ui.Info(fmt.Sprintf("Watching events for instance %s", instanceID))

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		ui.Error(fmt.Sprintf("stream consumer failed: %v", err))
		return 1
	}

	ui.Info(fmt.Sprintf("Stopped at cursor %q", consumer.Cursor()))
	return 0
}

// overrideFilter applies the filter flags on top of fc.
func (c *Command) overrideFilter(fc filter.Config) filter.Config {
	if c.flagTriggerType != "" {
		fc.TriggerType = filter.TriggerType(c.flagTriggerType)
	}
	if c.flagAction != "" {
		fc.Action = filter.Action(c.flagAction)
	}
	if c.flagSubtree != "" {
		fc.Subtree = c.flagSubtree
	}
	if c.flagName != "" {
		fc.NamePattern = c.flagName
	}
	if c.flagItemName != "" {
		fc.ItemName = c.flagItemName
	}
	if c.flagItemKind != "" {
		fc.ItemKind = c.flagItemKind
	}
	return fc
}

// filterSource re-reads the config file (-config or ASSETFLOW_CONFIG) before
// every connection so filter edits apply on reconnect. A file that no longer
// loads keeps the last good filter.
func (c *Command) filterSource(initial *config.Config) stream.FilterSource {
	var mu sync.Mutex
	last := c.overrideFilter(initial.FilterConfig())
	path := base.ConfigPath(c.flagConfig)

	return func(context.Context) (filter.Config, error) {
		mu.Lock()
		defer mu.Unlock()

		if path == "" {
			return last, nil
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.Log.Warn("keeping previous filter, config reload failed", "error", err)
			return last, nil
		}
		last = c.overrideFilter(cfg.FilterConfig())
		return last, nil
	}
}
