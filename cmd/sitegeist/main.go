package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/poltergeist/sitegeist/pkg/cli"
)

var version = "dev"

func main() {
	if err := cli.ExecuteWithVersion(version); err != nil {
		fmt.Fprintf(os.Stderr, "👻 %s %v\n", color.RedString("[sitegeist]"), err)
		os.Exit(1)
	}
}
