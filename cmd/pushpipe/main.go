package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/catlover-bot/pushpipe/internal/api"
	"github.com/catlover-bot/pushpipe/internal/config"
	"github.com/catlover-bot/pushpipe/internal/dispatch"
	"github.com/catlover-bot/pushpipe/internal/gateway"
	"github.com/catlover-bot/pushpipe/internal/metrics"
	"github.com/catlover-bot/pushpipe/internal/models"
	"github.com/catlover-bot/pushpipe/internal/receipts"
	"github.com/catlover-bot/pushpipe/internal/runner"
	"github.com/catlover-bot/pushpipe/internal/storage"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "pushpipe",
		Short: "pushpipe is a push-notification delivery pipeline",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(enqueueCmd(&configPath))
	rootCmd.AddCommand(dispatchCmd(&configPath))
	rootCmd.AddCommand(receiptsCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// pipeline bundles the wired components shared by serve and the one-shot
// commands.
type pipeline struct {
	cfg        *config.Config
	log        zerolog.Logger
	store      storage.Storage
	dispatcher *dispatch.Orchestrator
	reconciler *receipts.Reconciler
	agg        *metrics.Aggregator
}

func buildPipeline(configPath string) (*pipeline, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)

	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	gw := gateway.NewHTTPClient(cfg.Gateway.URL, cfg.Gateway.Timeout)
	agg := metrics.New(store, log)
	worker := dispatch.NewWorker(store, gw, agg, log)

	p := &pipeline{
		cfg:        cfg,
		log:        log,
		store:      store,
		dispatcher: dispatch.NewOrchestrator(store, worker, cfg.Dispatch, log),
		reconciler: receipts.NewReconciler(store, gw, agg, cfg.Receipts, log),
		agg:        agg,
	}
	return p, func() { store.Close() }, nil
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the pushpipe server",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := buildPipeline(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var run *runner.Runner
			if p.cfg.Runner.Enabled {
				run = runner.New(p.dispatcher, p.reconciler, p.cfg.Runner, p.log)
				run.Start(ctx)
			}

			server := api.NewServer(p.cfg.Server, p.store, p.dispatcher, p.reconciler, p.agg, p.cfg.Trigger.Secret, p.log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					p.log.Fatal().Err(err).Msg("server error")
				}
			}()

			p.log.Info().
				Str("version", version).
				Int("port", p.cfg.Server.Port).
				Str("storage", p.cfg.Storage.Driver).
				Bool("runner", p.cfg.Runner.Enabled).
				Msg("pushpipe is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			p.log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				p.log.Error().Err(err).Msg("server shutdown error")
			}
			if run != nil {
				run.Stop()
			}

			p.log.Info().Msg("pushpipe stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func enqueueCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a push job",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			kind, _ := cmd.Flags().GetString("kind")
			title, _ := cmd.Flags().GetString("title")
			body, _ := cmd.Flags().GetString("body")
			maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
			if userID == "" || kind == "" || title == "" {
				return fmt.Errorf("--user, --kind and --title are required")
			}
			if maxAttempts <= 0 {
				maxAttempts = models.DefaultMaxAttempts
			}

			p, cleanup, err := buildPipeline(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			now := time.Now().UTC()
			job := &models.Job{
				ID:             models.NewID("job"),
				UserID:         userID,
				Kind:           kind,
				Title:          title,
				Body:           body,
				Status:         models.JobPending,
				MaxAttempts:    maxAttempts,
				AvailableAfter: now,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := p.store.EnqueueJob(context.Background(), job); err != nil {
				return fmt.Errorf("failed to enqueue job: %w", err)
			}

			out, _ := json.MarshalIndent(job, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().String("user", "", "target user id")
	cmd.Flags().String("kind", "", "job kind, e.g. new_follower")
	cmd.Flags().String("title", "", "notification title")
	cmd.Flags().String("body", "", "notification body")
	cmd.Flags().Int("max-attempts", models.DefaultMaxAttempts, "retry budget")
	return cmd
}

func dispatchCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatch invocation",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := buildPipeline(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := p.dispatcher.Run(context.Background(), p.dispatcher.DefaultRequest("cli"))
			if err != nil {
				return fmt.Errorf("dispatch failed: %w", err)
			}

			out, _ := json.MarshalIndent(res, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func receiptsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "receipts",
		Short: "Run one receipt-reconciliation invocation",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := buildPipeline(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := p.reconciler.Run(context.Background(), p.reconciler.DefaultRequest("cli"))
			if err != nil {
				return fmt.Errorf("receipt reconciliation failed: %w", err)
			}

			out, _ := json.MarshalIndent(res, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pipeline stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := buildPipeline(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := p.store.GetStats(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pushpipe v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}
