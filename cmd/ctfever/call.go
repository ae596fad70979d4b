package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"

	"github.com/dshills/ctfever/internal/plugin"
)

func newCallCommand(flags *globalFlags) *cobra.Command {
	var (
		argsJSON string
		file     string
	)

	cmd := &cobra.Command{
		Use:   "call <plugin> <method>",
		Short: "Call a plugin method and print the response",
		Long: `Call loads the plugin directory, invokes one method and prints the
response as JSON.

Example:
  ctfever call echo echo --args '{"message":"hi"}'
  ctfever call ziputil pseudo_check --file challenge.zip`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var att *plugin.Attachment
			if file != "" {
				content, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("reading attachment: %w", err)
				}
				att = &plugin.Attachment{Filename: filepath.Base(file), Content: content}
			}

			application, err := flags.newApplication(cmd)
			if err != nil {
				return err
			}
			defer application.Shutdown(cmd.Context())

			if err := application.Start(cmd.Context()); err != nil {
				return err
			}
			resp, err := application.Service().CallPlugin(cmd.Context(), args[0], args[1], []byte(argsJSON), att)
			if err != nil {
				return err
			}

			data, err := json.Marshal(resp)
			if err != nil {
				return fmt.Errorf("encoding response: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(pretty.Pretty(data))
			return err
		},
	}

	cmd.Flags().StringVarP(&argsJSON, "args", "a", "", "arguments as a JSON object")
	cmd.Flags().StringVarP(&file, "file", "f", "", "file to attach as the upload")
	return cmd
}
