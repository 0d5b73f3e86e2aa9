/*
main.go - Application entry point

PURPOSE:
  Runs the controlled-substance inventory API and its operator commands.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve          Start the HTTP server (and the dry-run audit scheduler)
  reconcile      FIFO reconciliation; dry run unless --commit
  check-status   Has today's morning/evening check been done?
  history        Physical checks for the last N days

STARTUP SEQUENCE:
  1. Load config (.env, then environment)
  2. Open the store (SQLite or PostgreSQL)
  3. Load pool definitions (POOLS_FILE or built-in defaults)
  4. Build the engine with logger, metrics and archive
  5. Serve, or run the one-shot command

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the audit scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  # Development server on SQLite
  ./server serve

  # Preview, then apply, a reconciliation
  ./server reconcile --pool cb-30ml
  ./server reconcile --pool cb-30ml --commit --requester pharmacist

  # Gate query for scripts (exit code 3 when the check is missing)
  ./server check-status --type morning

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/warp/controlled-inventory/api"
	"github.com/warp/controlled-inventory/archive"
	"github.com/warp/controlled-inventory/config"
	"github.com/warp/controlled-inventory/factory"
	"github.com/warp/controlled-inventory/inventory"
	"github.com/warp/controlled-inventory/logging"
	"github.com/warp/controlled-inventory/metrics"
	"github.com/warp/controlled-inventory/store/postgres"
	"github.com/warp/controlled-inventory/store/sqlite"
	"github.com/warp/controlled-inventory/store/sqlstore"
)

// errCheckMissing makes check-status exit non-zero without an error message.
var errCheckMissing = errors.New("check not completed")

func main() {
	root := rootCmd()
	if err := root.Execute(); err != nil {
		if errors.Is(err, errCheckMissing) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:          "server",
		Short:        "Controlled-substance inventory reconciliation",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before the environment")

	load := func() (*config.Config, error) { return config.Load(envFile) }

	root.AddCommand(serveCmd(load))
	root.AddCommand(reconcileCmd(load))
	root.AddCommand(checkStatusCmd(load))
	root.AddCommand(historyCmd(load))
	return root
}

// =============================================================================
// APPLICATION WIRING
// =============================================================================

type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	store   *sqlstore.Store
	engine  *inventory.Engine
	metrics *metrics.Prometheus
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	loc, err := inventory.LoadLocation(cfg.OperationalTimezone)
	if err != nil {
		return nil, err
	}

	poolDefs := inventory.DefaultPools()
	if cfg.PoolsFile != "" {
		poolDefs, err = factory.LoadPools(cfg.PoolsFile)
		if err != nil {
			return nil, err
		}
	}
	pools, err := inventory.NewPoolRegistry(poolDefs...)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("driver", cfg.DatabaseDriver).Msg("connected to database")

	prom := metrics.New()
	opts := []inventory.Option{
		inventory.WithLogger(logger.With().Str("component", "engine").Logger()),
		inventory.WithLocation(loc),
		inventory.WithMetrics(prom),
	}
	if cfg.ArchiveEnabled() {
		s3, err := archive.NewS3(ctx, archive.S3Config{
			Region:    cfg.ArchiveS3Region,
			Bucket:    cfg.ArchiveS3Bucket,
			Prefix:    cfg.ArchiveS3Prefix,
			Endpoint:  cfg.ArchiveS3Endpoint,
			PathStyle: cfg.ArchiveS3PathStyle,
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		opts = append(opts, inventory.WithArchiver(s3))
		logger.Info().Str("bucket", cfg.ArchiveS3Bucket).Msg("archiving committed runs to s3")
	}

	return &app{
		cfg:     cfg,
		log:     logger,
		store:   store,
		engine:  inventory.NewEngine(store, pools, opts...),
		metrics: prom,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*sqlstore.Store, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		return postgres.New(ctx, postgres.Config{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
	default:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		return sqlite.New(cfg.SQLitePath)
	}
}

// withApp loads config, builds the app, runs fn and closes the store.
// One-shot commands log to stderr so stdout carries only their output.
func withApp(load func() (*config.Config, error), oneShot bool, fn func(context.Context, *app) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, cfg.IsDev())
	if oneShot {
		logger = logging.NewWithWriter(os.Stderr, cfg.LogLevel, true)
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.store.Close()
	return fn(ctx, a)
}

// =============================================================================
// SERVE
// =============================================================================

func serveCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(load, false, runServer)
		},
	}
}

func runServer(_ context.Context, a *app) error {
	handler := api.NewHandler(a.engine, a.store, a.log)
	if a.cfg.AuditInterval > 0 {
		handler.Audits = api.NewAuditScheduler(a.engine, a.log)
		handler.Audits.Interval = a.cfg.AuditInterval
		handler.Audits.Start()
		defer handler.Audits.Stop()
	}

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: a.cfg.CORSOrigins,
		Metrics:        a.metrics.Handler(),
		Scenarios:      a.cfg.ScenariosEnabled(),
	})

	server := &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", server.Addr).Str("env", a.cfg.Env).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		a.log.Error().Err(err).Msg("server failed")
		return err
	}

	a.log.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		a.log.Error().Err(err).Msg("server forced to shutdown")
		return err
	}
	a.log.Info().Msg("server stopped")
	return nil
}

// =============================================================================
// ONE-SHOT COMMANDS
// =============================================================================

func reconcileCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		pool      string
		commit    bool
		requester string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-derive vial attribution by FIFO (dry run unless --commit)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(load, true, func(ctx context.Context, a *app) error {
				ids := a.engine.Pools().IDs()
				if pool != "" {
					ids = []inventory.PoolID{inventory.PoolID(pool)}
				}
				out := cmd.OutOrStdout()
				for _, id := range ids {
					report, err := a.engine.Reconcile(ctx, id, inventory.ReconcileOptions{
						Commit:    commit,
						Requester: requester,
					})
					if err != nil {
						return fmt.Errorf("reconcile %s: %w", id, err)
					}
					if asJSON {
						enc := json.NewEncoder(out)
						enc.SetIndent("", "  ")
						if err := enc.Encode(report); err != nil {
							return err
						}
						continue
					}
					fmt.Fprintln(out, report.String())
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "", "pool id (default: every configured pool)")
	cmd.Flags().BoolVar(&commit, "commit", false, "apply the changes")
	cmd.Flags().StringVar(&requester, "requester", os.Getenv("USER"), "recorded on committed runs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func checkStatusCmd(load func() (*config.Config, error)) *cobra.Command {
	var checkType string
	cmd := &cobra.Command{
		Use:   "check-status",
		Short: "Report whether today's physical check is complete",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(load, true, func(ctx context.Context, a *app) error {
				st, err := a.engine.TodayCheckStatus(ctx, inventory.CheckType(checkType))
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !st.Completed {
					fmt.Fprintf(out, "%s check for %s has not been completed; required before dispensing\n", st.CheckType, st.Day)
					cmd.SilenceErrors = true
					return errCheckMissing
				}
				fmt.Fprintln(out, inventory.FormatCheck(st.Check, a.engine.Location()))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&checkType, "type", string(inventory.CheckMorning), "morning or evening")
	return cmd
}

func historyCmd(load func() (*config.Config, error)) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print physical checks for the last N days, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(load, true, func(ctx context.Context, a *app) error {
				recs, err := a.engine.CheckHistory(ctx, days)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(recs) == 0 {
					fmt.Fprintf(out, "no checks in the last %d days\n", days)
					return nil
				}
				for i := range recs {
					fmt.Fprintln(out, inventory.FormatCheck(&recs[i], a.engine.Location()))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "look-back window in days")
	return cmd
}
