package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/apoxy-dev/webserv/build"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), build.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
