package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-npa-governance/internal/config"
	"github.com/pesio-ai/be-npa-governance/internal/logger"
)

// Set with -ldflags at build time.
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "npa-governance",
		Short: "New Product Approval governance service",
		Long: `npa-governance classifies new product proposals, drives them through
the approval lifecycle, tracks sign-offs against their SLAs and escalates
breaches, rework loops and expiring approvals.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(serveCmd(), sweepCmd(), migrateCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("npa-governance version %s (build: %s)\n", version, buildTime)
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers and the escalation monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply pending migrations before serving")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one escalation sweep and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, log, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.service.RunEscalationSweep(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			if cfg.Storage != config.StoragePostgres {
				return fmt.Errorf("migrate requires STORAGE_BACKEND=%s", config.StoragePostgres)
			}
			db, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := db.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().Strs("applied", applied).Msg("Migrations complete")
			return nil
		},
	}
}

func bootstrap() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})
	return cfg, log, nil
}
