// Command stepflow runs, validates and demonstrates tool plans.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ZanzyTHEbar/stepflow/internal/config"
	"github.com/ZanzyTHEbar/stepflow/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app is the state shared by every subcommand once flags and config are loaded.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

// flagKeys maps persistent flags onto config keys. A flag only overrides
// the config when it was set explicitly.
var flagKeys = map[string]string{
	"log-level":   "logging.level",
	"log-format":  "logging.format",
	"concurrency": "executor.max_concurrency",
	"tools-url":   "http.base_url",
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "stepflow",
		Short:         "Run tool plans as dependency waves",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd.Flags(), cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "path to a stepflow config file (yaml, json or toml)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	pf.Int("concurrency", 0, "maximum steps running at once within a wave")
	pf.String("tools-url", "", "invoke tools over HTTP at this base URL instead of in-process")

	root.AddCommand(
		newRunCmd(a),
		newValidateCmd(a),
		newDemoCmd(a),
		newToolsCmd(a),
		newPromptCmd(a),
	)
	return root
}

func (a *app) load(flags *pflag.FlagSet, cmd *cobra.Command) error {
	v := config.New()
	applyFlags(v, flags)

	cfg, err := config.Load(v, a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.New(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())
	a.logger.Debug("configuration loaded", "file", a.configPath, "tools_url", cfg.HTTP.BaseURL)
	return nil
}

func applyFlags(v *viper.Viper, flags *pflag.FlagSet) {
	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil && f.Changed {
			v.Set(key, f.Value.String())
		}
	}
}
