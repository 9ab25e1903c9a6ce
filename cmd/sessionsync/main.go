package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/sessionsync/pkg/config"
	"github.com/go-go-golems/sessionsync/pkg/logging"
)

var (
	configPath string
	logLevel   string
	withCaller bool

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:           "sessionsync",
	Short:         "sessionsync keeps a filtered session list in sync with a session store",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		// reinitialize the logger now that --log-level and the config file are parsed
		return logging.Init(cfg.LogLevel, withCaller)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv(config.EnvPrefix+"CONFIG"), "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&withCaller, "with-caller", false, "log caller file and line")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newWatchCommand())

	err := rootCmd.Execute()
	cobra.CheckErr(err)
}
