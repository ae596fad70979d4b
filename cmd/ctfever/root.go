package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/ctfever/internal/app"
	"github.com/dshills/ctfever/internal/config"
)

// globalFlags are the persistent flags shared by every command. Set flags
// override the configuration file and the environment.
type globalFlags struct {
	configPath string
	pluginDir  string
	dataDir    string
	logLevel   string
}

// NewRootCommand builds the ctfever command tree.
func NewRootCommand(version, commit, date string) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "ctfever",
		Short: "CTFever - plugin runtime for CTF tooling",
		Long: `CTFever loads tool plugins from a directory and exposes their methods.

Plugins are compiled-in Go types enabled by a <name>.plugin manifest, Lua
scripts (<name>.lua) or WASM modules (<name>.wasm). Each plugin gets its own
data directory, logger and configuration documents.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "configuration file (default "+config.DefaultFile+" if present)")
	pf.StringVar(&flags.pluginDir, "plugin-dir", "", "plugin directory")
	pf.StringVar(&flags.dataDir, "data-dir", "", "plugin data root")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(
		newListCommand(flags),
		newCallCommand(flags),
		newRunCommand(flags),
		newVersionCommand(version, commit, date),
	)
	return rootCmd
}

// loadConfig reads the configuration and applies the command line flags.
func (f *globalFlags) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := f.configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultFile); err == nil {
			path = config.DefaultFile
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	changed := false
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
			changed = true
		}
	}
	set("plugin-dir", &cfg.PluginDir, f.pluginDir)
	set("data-dir", &cfg.DataDir, f.dataDir)
	set("log-level", &cfg.LogLevel, f.logLevel)
	if changed {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newApplication builds an application logging to the command's stderr.
func (f *globalFlags) newApplication(cmd *cobra.Command) (*app.Application, error) {
	cfg, err := f.loadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	application, err := app.New(cfg, app.Options{LogOutput: cmd.ErrOrStderr()})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	return application, nil
}

func newVersionCommand(version, commit, date string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "CTFever %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}
}
