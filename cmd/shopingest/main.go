package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/johndauphine/shopify-bulk-ingest/internal/checkpoint"
	"github.com/johndauphine/shopify-bulk-ingest/internal/config"
	"github.com/johndauphine/shopify-bulk-ingest/internal/exitcodes"
	"github.com/johndauphine/shopify-bulk-ingest/internal/failure"
	"github.com/johndauphine/shopify-bulk-ingest/internal/logging"
	"github.com/johndauphine/shopify-bulk-ingest/internal/merge"
	"github.com/johndauphine/shopify-bulk-ingest/internal/metrics"
	"github.com/johndauphine/shopify-bulk-ingest/internal/runstate"
	"github.com/johndauphine/shopify-bulk-ingest/internal/store"
	"github.com/johndauphine/shopify-bulk-ingest/internal/store/postgres"
	"github.com/johndauphine/shopify-bulk-ingest/internal/store/sqlite"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var version = "dev"

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		code := exitcodes.FromError(err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code != exitcodes.Success {
			fmt.Fprintf(os.Stderr, "(%s)\n", exitcodes.Description(code))
		}
		os.Exit(code)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "shopingest",
		Usage:   "Operate the Shopify bulk ingestion store",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return exitcodes.NewExitError(err, exitcodes.ConfigError)
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}

			// stdout carries command output
			logging.SetOutput(os.Stderr)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "Create or upgrade the store schema",
				Action: migrateSchema,
			},
			{
				Name:   "status",
				Usage:  "Show a run and its audit steps",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "run",
						Required: true,
						Usage:    "Run ID",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
				},
			},
			{
				Name:   "history",
				Usage:  "List a tenant's runs, newest first",
				Action: showHistory,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "tenant",
						Required: true,
						Usage:    "Tenant ID",
					},
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Maximum number of runs to show",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output history as JSON",
					},
				},
			},
			{
				Name:   "cleanup",
				Usage:  "Delete staging rows of a tenant's inactive runs",
				Action: cleanupStaging,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "tenant",
						Required: true,
						Usage:    "Tenant ID",
					},
				},
			},
			{
				Name:   "merge",
				Usage:  "Re-merge a run's staged rows and complete it if still running",
				Action: mergeRun,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "run",
						Required: true,
						Usage:    "Run ID",
					},
				},
			},
			{
				Name:   "serve-metrics",
				Usage:  "Serve Prometheus metrics and a health check",
				Action: serveMetrics,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Usage: "Listen address (default from config)",
					},
				},
			},
			{
				Name:   "config",
				Usage:  "Print the effective configuration with secrets masked",
				Action: showConfig,
			},
		},
	}
}

func migrateSchema(c *cli.Context) error {
	return withStore(c, func(ctx context.Context, cfg *config.Config, db store.DB) error {
		// Open already migrates; running it again is a no-op.
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "Schema up to date (%s)\n", db.Dialect().Name())
		return nil
	})
}

func showStatus(c *cli.Context) error {
	runID := c.String("run")
	return withStore(c, func(ctx context.Context, cfg *config.Config, db store.DB) error {
		run, err := store.GetRun(ctx, db, runID)
		if store.IsNotFound(err) {
			return failure.Invariant(failure.CodeRunNotFound, "run %s not found", runID)
		}
		if err != nil {
			return err
		}
		steps, err := store.ListSteps(ctx, db, runID)
		if err != nil {
			return err
		}

		view := newRunView(run, steps)
		if c.Bool("json") {
			return writeJSON(c.App.Writer, view)
		}
		renderRun(c.App.Writer, view)
		return nil
	})
}

func showHistory(c *cli.Context) error {
	tenantID := c.String("tenant")
	return withStore(c, func(ctx context.Context, cfg *config.Config, db store.DB) error {
		runs, err := store.ListRuns(ctx, db, tenantID, c.Int("limit"))
		if err != nil {
			return err
		}
		views := make([]runView, 0, len(runs))
		for i := range runs {
			views = append(views, newRunView(&runs[i], nil))
		}
		if c.Bool("json") {
			return writeJSON(c.App.Writer, views)
		}
		renderHistory(c.App.Writer, tenantID, views)
		return nil
	})
}

func cleanupStaging(c *cli.Context) error {
	tenantID := c.String("tenant")
	return withStore(c, func(ctx context.Context, cfg *config.Config, db store.DB) error {
		n, err := store.ClearStaging(ctx, db, tenantID, "")
		if err != nil {
			return err
		}
		logging.Info("Cleared %d staging rows for tenant %s", n, tenantID)
		fmt.Fprintf(c.App.Writer, "Removed %d staging rows\n", n)
		return nil
	})
}

func mergeRun(c *cli.Context) error {
	runID := c.String("run")
	return withStore(c, func(ctx context.Context, cfg *config.Config, db store.DB) error {
		run, err := store.GetRun(ctx, db, runID)
		if store.IsNotFound(err) {
			return failure.Invariant(failure.CodeRunNotFound, "run %s not found", runID)
		}
		if err != nil {
			return err
		}

		cp, ok, err := checkpoint.Read(run)
		if err != nil {
			return err
		}
		res, err := merge.New(db).Run(ctx, run.ID, run.TenantID, merge.Options{
			AllowDeletes:   cfg.Merge.AllowDeletes,
			IsFullSnapshot: ok && cp.IsFullSnapshot,
			Analyze:        cfg.Merge.Analyze,
			AnalyzeMinRows: cfg.Merge.AnalyzeMinRows,
			Reindex:        cfg.Merge.Reindex,
		})
		if err != nil {
			return err
		}

		if run.Status == store.StatusRunning {
			if err := runstate.New(db).Complete(ctx, run.ID); err != nil {
				return err
			}
			logging.Info("Run %s completed", run.ID)
		}
		return writeJSON(c.App.Writer, res)
	})
}

func serveMetrics(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	addr := cfg.Metrics.Listen
	if c.IsSet("listen") {
		addr = c.String("listen")
	}
	mcfg := cfg.Metrics
	mcfg.Enabled = true
	m := metrics.New(mcfg)

	ctx, cancel := signalContext()
	defer cancel()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConnectionError)
	}
	defer db.Close()
	if pg, ok := db.(*postgres.DB); ok {
		if err := m.RegisterPool(func() metrics.PoolStats { return metrics.FromPostgres(pg.Stats()) }); err != nil {
			return err
		}
	}

	logging.Info("Serving metrics on %s", addr)
	return m.Serve(ctx, addr)
}

func showConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg.Sanitized())
	if err != nil {
		return err
	}
	_, err = c.App.Writer.Write(out)
	return err
}

// withStore loads the configuration, opens the store and runs fn with a
// context cancelled on SIGINT or SIGTERM.
func withStore(c *cli.Context, fn func(ctx context.Context, cfg *config.Config, db store.DB) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConnectionError)
	}
	defer db.Close()

	return fn(ctx, cfg, db)
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	configPath := c.String("config")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if c.IsSet("config") {
			return nil, exitcodes.NewExitError(fmt.Errorf("configuration file not found: %s", configPath), exitcodes.ConfigError)
		}
		logging.Debug("No %s found, using defaults", configPath)
		return config.Default(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("failed to load config: %w", err), exitcodes.ConfigError)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.DB, error) {
	if cfg.Database.Driver == "postgres" {
		return postgres.Open(ctx, cfg.DSN(), cfg.Database.MaxConns)
	}
	return sqlite.Open(ctx, cfg.SQLitePath())
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted.")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
