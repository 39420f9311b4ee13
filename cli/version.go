package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"replay.evalgo.org/version"
)

// versionCmd prints build and dependency information embedded at build
// time.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build and dependency information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.GetBuildInfo()
		out, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
