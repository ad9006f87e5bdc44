package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/acmacalister/fidget"
)

var runFlags struct {
	addr        string
	port        int
	noDecrypt   bool
	systemProxy bool
	adminAddr   string
}

var commandRun = &cobra.Command{
	Use:     "run",
	Aliases: []string{"start"},
	Short:   "Run the proxy until interrupted",
	Args:    cobra.NoArgs,
	RunE:    run,
}

func init() {
	f := commandRun.Flags()
	f.StringVar(&runFlags.addr, "addr", "", "listen address of the first endpoint")
	f.IntVarP(&runFlags.port, "port", "p", 0, "listen port of the first endpoint")
	f.BoolVar(&runFlags.noDecrypt, "no-decrypt", false, "tunnel HTTPS without decrypting")
	f.BoolVar(&runFlags.systemProxy, "system-proxy", false, "set the first explicit endpoint as the system proxy")
	f.StringVar(&runFlags.adminAddr, "admin-addr", "", "enable the admin API on this address")
	mainCommand.AddCommand(commandRun)
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, release, err := loadConfig()
	if err != nil {
		return err
	}
	defer release()
	applyRunFlags(cmd, cfg)

	logger := slog.Default()
	s, err := fidget.BuildServer(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, src := range fidget.ACMESources(s) {
		if err := src.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize acme: %w", err)
		}
		if err := src.ObtainCertificates(ctx); err != nil {
			logger.Warn("initial certificate issuance incomplete", "error", err)
		}
		src.StartAutoRenewal(12 * time.Hour)
		defer src.Close()
	}

	if err := s.Start(cfg.Server.SystemProxy); err != nil {
		return err
	}
	for _, ep := range s.Endpoints() {
		logger.Info("listening", "endpoint", ep.String(), "port", ep.BoundPort())
	}
	if root := s.CertManager.RootCertificate(); root != nil {
		logger.Info("trust the root certificate to decrypt HTTPS", "subject", root.Subject.CommonName, "path", cfg.CA.Cert)
	}

	var admin *http.Server
	if cfg.Admin.Enabled {
		api := fidget.NewAdminAPI(s)
		api.Logger = logger
		api.PathPrefix = cfg.Admin.PathPrefix
		api.StopFunc = func() error {
			stop()
			return nil
		}
		mux := http.NewServeMux()
		mux.Handle(cfg.Admin.PathPrefix+"/", api.Handler())
		admin = &http.Server{Addr: cfg.Admin.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("admin API listening", "addr", cfg.Admin.Addr, "prefix", cfg.Admin.PathPrefix)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin API", "error", err)
			}
		}()
	}

	if cfg.CA.WatchInterval > 0 {
		stopWatch := s.CertManager.WatchRootFiles(cfg.CA.WatchInterval)
		defer stopWatch()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-hup:
			logger.Info("received SIGHUP, reloading root certificate")
			if err := s.CertManager.ReloadRootCertificate(); err != nil {
				logger.Error("reload root certificate", "error", err)
			}
		}
	}
	logger.Info("shutting down")

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = admin.Shutdown(shutdownCtx)
		cancel()
	}
	return s.Stop()
}

func applyRunFlags(cmd *cobra.Command, cfg *fidget.Config) {
	f := cmd.Flags()
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = fidget.DefaultConfig().Endpoints
	}
	if f.Changed("addr") {
		cfg.Endpoints[0].Addr = runFlags.addr
	}
	if f.Changed("port") {
		cfg.Endpoints[0].Port = runFlags.port
	}
	if runFlags.noDecrypt {
		for i := range cfg.Endpoints {
			cfg.Endpoints[i].DecryptSSL = false
		}
	}
	if runFlags.systemProxy {
		cfg.Server.SystemProxy = true
	}
	if runFlags.adminAddr != "" {
		cfg.Admin.Enabled = true
		cfg.Admin.Addr = runFlags.adminAddr
	}
}
