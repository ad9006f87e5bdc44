package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/acmacalister/fidget"
)

var (
	configPath string
	verbose    bool
)

var mainCommand = &cobra.Command{
	Use:           "fidget",
	Short:         "Intercepting HTTP/HTTPS proxy",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	mainCommand.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: search ./fidget.yaml, ~/.fidget, /etc/fidget)")
	mainCommand.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := mainCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs its logger as the
// default. The returned func releases the log output.
func loadConfig() (*fidget.Config, func(), error) {
	cfg, err := fidget.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	logger, closer, err := fidget.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, func() { _ = closer.Close() }, nil
}
