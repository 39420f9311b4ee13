// Package main is the entry point for the replay CLI. All behavior lives
// in the cli package; this file only executes the root command and turns
// an error into exit status 1 with the diagnostic on stderr.
package main

import (
	"os"

	"replay.evalgo.org/cli"
	"replay.evalgo.org/common"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		common.Logger.Error(err)
		os.Exit(1)
	}
}
