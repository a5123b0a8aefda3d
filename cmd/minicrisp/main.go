package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/samikshajagne/minicrisp/internal/config"
	"github.com/samikshajagne/minicrisp/internal/db"
	"github.com/samikshajagne/minicrisp/internal/logger"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "minicrisp",
		Short:         "Multi-channel customer support inbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and mailbox pollers",
		Run: func(_ *cobra.Command, _ []string) {
			runServe()
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runMigrate()
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMigrate() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	if err := db.Migrate(cfg.Postgres); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.L.Info("migrations applied")
	return nil
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
