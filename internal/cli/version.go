package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set at build time via ldflags.
var (
	Version = "dev"
	Commit  = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the rollout version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		v := Version
		if Commit != "" {
			v += "+" + Commit
		}
		fmt.Printf("rollout version %s (%s/%s)\n", v, runtime.GOOS, runtime.GOARCH)
	},
}
