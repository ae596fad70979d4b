package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"
)

func newListCommand(flags *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Load the plugin directory and list the plugins with their methods",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := flags.newApplication(cmd)
			if err != nil {
				return err
			}
			defer application.Shutdown(cmd.Context())

			if err := application.Start(cmd.Context()); err != nil {
				return err
			}
			plugins := application.Service().ListPlugins()

			out := cmd.OutOrStdout()
			if asJSON {
				data, err := json.Marshal(plugins)
				if err != nil {
					return err
				}
				_, err = out.Write(pretty.Pretty(data))
				return err
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTATE\tMETHODS")
			for _, p := range plugins {
				methods := make([]string, 0, len(p.Capabilities))
				for name, params := range p.Capabilities {
					methods = append(methods, name+"("+strings.Join(params, ", ")+")")
				}
				sort.Strings(methods)
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Name, p.State, strings.Join(methods, " "))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the listing as JSON")
	return cmd
}
