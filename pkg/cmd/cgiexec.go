//go:build linux

package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/apoxy-dev/webserv/pkg/cgi"
)

// cgiExecCmd is the entrypoint CGI programs are started through when the
// trampoline is enabled. It never returns on success.
var cgiExecCmd = &cobra.Command{
	Use:                cgi.ExecSubcommand + " -- program [args...]",
	Hidden:             true,
	DisableFlagParsing: true,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) > 0 && args[0] == "--" {
			args = args[1:]
		}
		os.Exit(cgi.ChildMain(args, os.Stdout, os.Stderr))
	},
}

func init() {
	rootCmd.AddCommand(cgiExecCmd)
}
