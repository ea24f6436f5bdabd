package main

import (
	"os"

	"github.com/assetflow/assetflow/internal/cmd"
)

func main() {
	os.Exit(cmd.Main(os.Args))
}
