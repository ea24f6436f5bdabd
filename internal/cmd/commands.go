package cmd

import (
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/assetflow/assetflow/internal/cmd/base"
	"github.com/assetflow/assetflow/internal/cmd/commands/call"
	"github.com/assetflow/assetflow/internal/cmd/commands/cursor"
	"github.com/assetflow/assetflow/internal/cmd/commands/version"
	"github.com/assetflow/assetflow/internal/cmd/commands/watch"
)

// Commands returns the command table of the assetflow CLI.
func Commands(log hclog.Logger, ui cli.Ui) map[string]cli.CommandFactory {
	b := base.New(log, ui)

	return map[string]cli.CommandFactory{
		"call": func() (cli.Command, error) {
			return &call.Command{Command: b}, nil
		},
		"watch": func() (cli.Command, error) {
			return &watch.Command{Command: b}, nil
		},
		"cursor": func() (cli.Command, error) {
			return &cursor.Command{Command: b}, nil
		},
		"cursor show": func() (cli.Command, error) {
			return &cursor.ShowCommand{Command: b}, nil
		},
		"cursor reset": func() (cli.Command, error) {
			return &cursor.ResetCommand{Command: b}, nil
		},
		"version": func() (cli.Command, error) {
			return &version.Command{Command: b}, nil
		},
	}
}
