/*
main.go - Application entry point

PURPOSE:
  Starts the studio ledger server and runs operator commands. Handles
  configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve             Run the HTTP API (default)
  bootstrap-admin   Create or promote the first admin identity
  seed              Load a demo scenario into an empty store
  version           Print version information

FLAGS:
  --config     YAML config file (optional)
  --env-file   .env file loaded before STUDIO_* overrides (default: .env)
  --log-level  debug, info, warn, error (overrides log.level)

STARTUP SEQUENCE:
  1. Load configuration (defaults -> YAML -> .env -> environment)
  2. Open the document store (SQLite or memory)
  3. Wire calendar, holidays, school domain, reconciliation, reports, auth
  4. Start the audit flusher and the HTTP server

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdownTimeout)
  3. Stop the audit flusher and drain the queue one last time
  4. Close the database

EXAMPLES:
  STUDIO_JWT_SECRET=... ./server serve --config studio.yaml
  ./server bootstrap-admin --email owner@studio.example --password '...'

SEE ALSO:
  - config/config.go: Configuration sources
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/studio-ledger/api"
	"github.com/warp/studio-ledger/auth"
	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/config"
	"github.com/warp/studio-ledger/docstore"
	"github.com/warp/studio-ledger/holiday"
	"github.com/warp/studio-ledger/reconcile"
	"github.com/warp/studio-ledger/report"
	"github.com/warp/studio-ledger/school"
	"github.com/warp/studio-ledger/seed"
	"github.com/warp/studio-ledger/store/sqlite"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "studio-ledger"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var g globalFlags

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), g)
		},
	}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Dance studio attendance, fees and holiday ledger",
		Long: `studio-ledger tracks students, daily attendance and the fees it
implies, payments, and holiday credits when a day is retroactively
declared non-instructional. It serves an admin HTTP API and
financial reports.`,
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "Env file loaded before STUDIO_* variables")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serve, bootstrapAdminCmd(&g), seedCmd(&g))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})
	return cmd
}

func bootstrapAdminCmd(g *globalFlags) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "bootstrap-admin",
		Short: "Create the admin identity, or promote an existing one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*g)
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			authn, err := newAuth(cfg, store, logger)
			if err != nil {
				return err
			}
			id, created, err := authn.EnsureAdmin(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			verb := "promoted"
			if created {
				verb = "created"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "admin %s %s (%s)\n", verb, id.Email, id.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Admin email")
	cmd.Flags().StringVar(&password, "password", "", "Admin password (at least 8 characters)")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func seedCmd(g *globalFlags) *cobra.Command {
	var scenario, start string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a demo scenario into an empty store",
		Long:  "Scenarios: " + scenarioIDs(),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*g)
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			d, err := domain(cmd.Context(), cfg, store, logger, nil)
			if err != nil {
				return err
			}
			day := d.cal.Today(time.Now())
			if start != "" {
				if day, err = calendar.ParseDate(start); err != nil {
					return err
				}
			}
			sum, err := seed.NewLoader(d.svc, d.holidays, d.engine).Load(cmd.Context(), scenario, seed.Options{Start: day, Logger: logger})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %s: %d students, %d marks, %d payments, %d expenses from %s\n",
				sum.Scenario, sum.Students, sum.Marks, sum.Payments, sum.Expenses, sum.ClassDays[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", "first-month", "Scenario id")
	cmd.Flags().StringVar(&start, "start", "", "First class day, YYYY-MM-DD (default: today)")
	return cmd
}

func scenarioIDs() string {
	ids := make([]string, 0, len(seed.List()))
	for _, s := range seed.List() {
		ids = append(ids, s.ID)
	}
	return strings.Join(ids, ", ")
}

// =============================================================================
// SERVE
// =============================================================================

func runServe(parent context.Context, g globalFlags) error {
	cfg, logger, err := setup(g)
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	metrics := api.NewMetrics()
	d, err := domain(ctx, cfg, store, logger, metrics)
	if err != nil {
		return err
	}
	svc := d.svc
	authn, err := newAuth(cfg, store, logger)
	if err != nil {
		return err
	}

	handler := api.NewHandler(svc, d.holidays, d.engine, report.New(svc, d.cal), authn, d.cal, logger)
	router := api.NewRouter(handler, metrics, cfg.Server.AllowedOrigins)

	flusher, err := api.NewAuditFlusher(svc.Audit, cfg.Audit.FlushSchedule, logger)
	if err != nil {
		return err
	}
	flusher.Start()

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr, "version", Version, "db", cfg.Database.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		flusher.Stop()
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	flusher.Stop()
	flusher.Flush()
	if n := svc.Audit.Pending(); n > 0 {
		logger.Error("audit events lost on shutdown", "pending", n)
	}
	logger.Info("server stopped")
	return nil
}

// =============================================================================
// WIRING
// =============================================================================

// wired is the domain shared by serve and seed.
type wired struct {
	cal      *calendar.Service
	holidays *holiday.Service
	svc      *school.Services
	engine   *reconcile.Engine
}

func domain(ctx context.Context, cfg *config.Config, store docstore.Store, logger *slog.Logger, obs school.Observer) (*wired, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	anchor, err := cfg.Anchor()
	if err != nil {
		return nil, err
	}
	cal, err := calendar.NewService(loc, anchor)
	if err != nil {
		return nil, err
	}
	rules, err := cfg.HolidayRules()
	if err != nil {
		return nil, err
	}
	holidays, err := holiday.New(store, rules, logger)
	if err != nil {
		return nil, err
	}
	if err := holidays.Load(ctx); err != nil {
		return nil, fmt.Errorf("load holidays: %w", err)
	}
	svc, err := school.New(store, school.Config{
		Fees:           cfg.Fees,
		Retry:          cfg.Retry,
		AuditQueueSize: cfg.Audit.QueueSize,
		Logger:         logger,
		Observer:       obs,
	})
	if err != nil {
		return nil, err
	}
	return &wired{cal: cal, holidays: holidays, svc: svc, engine: reconcile.New(svc, holidays)}, nil
}

func setup(g globalFlags) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath, g.envFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	logger := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(w io.Writer, c config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func openStore(cfg *config.Config) (docstore.Store, func(), error) {
	if cfg.Database.Driver == "memory" {
		return docstore.NewMemory(), func() {}, nil
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

func newAuth(cfg *config.Config, store docstore.Store, logger *slog.Logger) (*auth.Service, error) {
	return auth.New(store, auth.Config{
		Secret:     []byte(cfg.Auth.Secret),
		Issuer:     cfg.Auth.Issuer,
		TTL:        cfg.Auth.TokenTTL,
		BcryptCost: cfg.Auth.BcryptCost,
		Logger:     logger,
	})
}
