package version

import (
	"fmt"

	"github.com/assetflow/assetflow/internal/cmd/base"
	v "github.com/assetflow/assetflow/internal/version"
)

type Command struct {
	*base.Command
}

func (c *Command) Synopsis() string {
	return "Print the assetflow version"
}

func (c *Command) Help() string {
	return "Usage: assetflow version"
}

func (c *Command) Run(args []string) int {
	fmt.Fprintf(c.Out, "assetflow %s\n", v.Version)
	return 0
}
