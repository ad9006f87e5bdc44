package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/acmacalister/fidget"
)

var genConfigPath string

var commandGenConfig = &cobra.Command{
	Use:   "gen-config",
	Short: "Write an example configuration file",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := fidget.WriteExampleConfig(genConfigPath); err != nil {
			return err
		}
		fmt.Println("Generated", genConfigPath)
		return nil
	},
}

var commandStop = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running proxy through its admin API",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		cfg, release, err := loadConfig()
		if err != nil {
			return err
		}
		defer release()
		return requestStop(cfg.Admin)
	},
}

var commandClean = &cobra.Command{
	Use:   "clean",
	Short: "Disable the system proxy left behind by an unclean exit",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := fidget.NewSystemProxyManager().Restore(fidget.SystemProxySettings{}); err != nil {
			return err
		}
		slog.Info("system proxy disabled")
		return nil
	},
}

func init() {
	commandGenConfig.Flags().StringVarP(&genConfigPath, "output", "o", "fidget.yaml", "destination path")
	mainCommand.AddCommand(commandGenConfig, commandStop, commandClean)
}

func requestStop(admin fidget.AdminConfig) error {
	addr := admin.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	url := "http://" + addr + strings.TrimSuffix(admin.PathPrefix, "/") + "/stop"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact admin API: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("admin API returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	slog.Info("stop requested", "admin", addr)
	return nil
}
