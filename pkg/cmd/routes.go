package cmd

import (
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/apoxy-dev/webserv/config"
	"github.com/apoxy-dev/webserv/pkg/router"
	"github.com/apoxy-dev/webserv/pretty"
)

func buildRouteRow(rt *router.Route) []interface{} {
	methods := "*"
	if ms := rt.Methods(); ms != nil {
		methods = strings.Join(ms, ",")
	}
	return []interface{}{
		rt.ServerName(),
		rt.Prefix(),
		rt.Root(),
		methods,
		pretty.Dash(rt.IndexPage()),
		rt.AutoIndex(),
		pretty.Dash(strings.Join(rt.CGIExtensions(), ",")),
	}
}

func printRoutes(w io.Writer, rt *router.Router) {
	t := pretty.Table{
		Header: pretty.Header{
			"SERVER",
			"PREFIX",
			"ROOT",
			"METHODS",
			"INDEX",
			"AUTOINDEX",
			"CGI",
		},
	}
	for _, r := range rt.Routes() {
		t.Rows = append(t.Rows, buildRouteRow(r))
	}
	t.Fprint(w)
}

// routesCmd prints the routing table the configuration resolves to.
var routesCmd = &cobra.Command{
	Use:     "routes",
	Short:   "Print the routing table",
	Long:    `Load and validate the configuration, then print every location of every virtual server.`,
	Aliases: []string{"check"},
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		rt, err := router.New(cfg)
		if err != nil {
			return err
		}
		printRoutes(cmd.OutOrStdout(), rt)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(routesCmd)
}
