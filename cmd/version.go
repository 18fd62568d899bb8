package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Noma-Machiko/image-chooser-classic/pkg/orchestrator"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	// no config or logger needed
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		info := orchestrator.GetVersionInfo()
		fmt.Printf("image-chooser %s (commit %s, built %s)\n",
			info["version"], info["git_commit"], info["build_time"])
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
