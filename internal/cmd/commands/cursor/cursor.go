package cursor

import (
	"flag"
	"fmt"

	"github.com/mitchellh/cli"

	"github.com/assetflow/assetflow/internal/cmd/base"
	store "github.com/assetflow/assetflow/pkg/cursor"
)

type Command struct {
	*base.Command
}

func (c *Command) Synopsis() string {
	return "Inspect or reset persisted stream cursors"
}

func (c *Command) Help() string {
	return `Usage: assetflow cursor <subcommand> [options]

  This command groups subcommands for the cursor persisted per trigger
  instance. Resetting a cursor makes the next watch start from the server's
  default position.`
}

func (c *Command) Run(args []string) int {
	return cli.RunResultHelp
}

// instanceFlags are shared by the cursor subcommands.
type instanceFlags struct {
	config   string
	instance string
}

func (f *instanceFlags) register(fs *base.FlagSet) {
	fs.StringVar(
		&f.config, "config", "",
		"[ASSETFLOW_CONFIG] Path to the assetflow config file",
	)
	fs.StringVar(
		&f.instance, "instance", "",
		"Trigger instance id. Defaults to stream.instance_id",
	)
}

// open loads the config and opens the cursor store. The returned instance
// id is never empty when err is nil.
func (f *instanceFlags) open(c *base.Command) (store.Store, string, error) {
	cfg, err := c.LoadConfig(f.config)
	if err != nil {
		return nil, "", fmt.Errorf("error loading config: %w", err)
	}

	instanceID := f.instance
	if instanceID == "" {
		instanceID = cfg.Stream.InstanceID
	}
	if instanceID == "" {
		return nil, "", fmt.Errorf("instance id is required (-instance or stream.instance_id)")
	}

	s, err := store.Open(c.Context(), *cfg.CursorStore, c.Log)
	if err != nil {
		return nil, "", fmt.Errorf("error opening cursor store: %w", err)
	}
	return s, instanceID, nil
}

type ShowCommand struct {
	*base.Command

	flags      instanceFlags
	flagFormat string
}

func (c *ShowCommand) Synopsis() string {
	return "Print the persisted cursor of a trigger instance"
}

func (c *ShowCommand) Help() string {
	return `Usage: assetflow cursor show [options]

  Prints the cursor persisted for a trigger instance. An empty cursor means
  the stream starts from the server's default position.` + c.Flags().Help()
}

func (c *ShowCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("cursor show", flag.ContinueOnError))
	c.flags.register(f)
	f.StringVar(
		&c.flagFormat, "format", base.FormatJSON,
		"Output format (json, yaml)",
	)
	return f
}

// Position is the rendered output of cursor show.
type Position struct {
	InstanceID string `json:"instance_id" yaml:"instance_id"`
	Cursor     string `json:"cursor" yaml:"cursor"`
}

func (c *ShowCommand) Run(args []string) int {
	if err := c.Flags().Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	s, instanceID, err := c.flags.open(c.Command)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	defer func() { _ = store.Close(s) }()

	value, err := s.Load(c.Context(), instanceID)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error loading cursor: %v", err))
		return 1
	}

	if err := base.Render(c.Out, c.flagFormat, Position{InstanceID: instanceID, Cursor: value}); err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	return 0
}

type ResetCommand struct {
	*base.Command

	flags instanceFlags
}

func (c *ResetCommand) Synopsis() string {
	return "Forget the persisted cursor of a trigger instance"
}

func (c *ResetCommand) Help() string {
	return `Usage: assetflow cursor reset [options]

  Removes the cursor persisted for a trigger instance, as happens when a
  trigger is reconfigured or deleted.` + c.Flags().Help()
}

func (c *ResetCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("cursor reset", flag.ContinueOnError))
	c.flags.register(f)
	return f
}

func (c *ResetCommand) Run(args []string) int {
	if err := c.Flags().Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	s, instanceID, err := c.flags.open(c.Command)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	defer func() { _ = store.Close(s) }()

	if err := s.Reset(c.Context(), instanceID); err != nil {
		c.UI.Error(fmt.Sprintf("error resetting cursor: %v", err))
		return 1
	}

	c.UI.Info(fmt.Sprintf("Cursor for instance %s reset", instanceID))
	return 0
}
