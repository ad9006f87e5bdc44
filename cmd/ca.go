package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/acmacalister/fidget"
)

var (
	genCAYears int
	trustAdmin bool
)

var commandGenCA = &cobra.Command{
	Use:   "gen-ca",
	Short: "Generate a root certificate and key at the configured paths",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		cfg, release, err := loadConfig()
		if err != nil {
			return err
		}
		defer release()
		return generateCA(cfg.CA.Cert, cfg.CA.Key, cfg.CA.Organization, genCAYears)
	},
}

var commandTrust = &cobra.Command{
	Use:   "trust",
	Short: "Install the root certificate into the system trust store",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		cm, release, err := loadRoot()
		if err != nil {
			return err
		}
		defer release()
		if err := cm.TrustRootCertificate(trustAdmin); err != nil {
			return err
		}
		slog.Info("root certificate trusted", "subject", cm.RootCertificate().Subject.CommonName, "machine", trustAdmin)
		return nil
	},
}

var commandUntrust = &cobra.Command{
	Use:   "untrust",
	Short: "Remove the root certificate from the system trust store",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		cm, release, err := loadRoot()
		if err != nil {
			return err
		}
		defer release()
		if err := cm.RemoveTrustedRootCertificate(trustAdmin); err != nil {
			return err
		}
		slog.Info("root certificate removed from trust store", "machine", trustAdmin)
		return nil
	},
}

func init() {
	commandGenCA.Flags().IntVar(&genCAYears, "years", 10, "validity in years")
	commandTrust.Flags().BoolVar(&trustAdmin, "admin", false, "use the machine-wide store")
	commandUntrust.Flags().BoolVar(&trustAdmin, "admin", false, "use the machine-wide store")
	mainCommand.AddCommand(commandGenCA, commandTrust, commandUntrust)
}

func loadRoot() (*fidget.CertManager, func(), error) {
	cfg, release, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	engine, err := fidget.EngineByName(cfg.CA.Engine)
	if err != nil {
		release()
		return nil, nil, err
	}
	cm := fidget.NewCertManager(cfg.CA.Cert, cfg.CA.Key)
	cm.Organization = cfg.CA.Organization
	cm.Engine = engine
	cm.SaveRootCertificate = cfg.CA.Persist
	if err := cm.EnsureRootCertificate(); err != nil {
		release()
		return nil, nil, err
	}
	return cm, release, nil
}

func generateCA(certPath, keyPath, org string, years int) error {
	if _, err := os.Stat(certPath); err == nil {
		return fmt.Errorf("CA certificate already exists at %s", certPath)
	}
	if _, err := os.Stat(keyPath); err == nil {
		return fmt.Errorf("CA key already exists at %s", keyPath)
	}

	slog.Info("generating CA certificate", "org", org)

	certPEM, keyPEM, err := fidget.GenerateCA(org, years)
	if err != nil {
		return err
	}

	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}

	slog.Info("CA certificate generated", "cert", certPath, "key", keyPath)
	slog.Info("run `fidget trust` to add it to the system trust store")
	return nil
}
