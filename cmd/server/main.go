/*
main.go - Application entry point and admin CLI

PURPOSE:
  Starts the cylinder-books HTTP server and exposes the maintenance
  operations (legacy migration, backup, restore, financial years) as
  subcommands that run against the same data directory.

COMMANDS:
  serve                     Start the HTTP server
  migrate  --user U | --all Split legacy user_data.db files per year
  backup   --user U --out F Write a tenant archive
  restore  --user U --file F Restore a tenant archive
  fy list                   List registered financial years
  fy create --start D       Register a financial year

STARTUP SEQUENCE (serve):
  1. Load config (env + optional .env)
  2. Configure zerolog (console in development, JSON in production)
  3. Open auth.db (users + financial years)
  4. Build provider, handler and router
  5. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (--shutdown-timeout)
  3. Close auth.db
  4. Exit

ENVIRONMENT:
  PORT, APP_ENV, DATA_DIR, AUTH_DB_PATH, BACKUP_DIR, LOG_LEVEL,
  ALLOWED_ORIGINS, MAX_UPLOAD_MB. See config/config.go.

SEE ALSO:
  - api/server.go: Router configuration
  - tenantdb/provider.go: Per-year databases
  - store/sqlite/sqlite.go: auth.db
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/warp/cylinder-books/api"
	"github.com/warp/cylinder-books/config"
	"github.com/warp/cylinder-books/fiscal"
	"github.com/warp/cylinder-books/store/sqlite"
	"github.com/warp/cylinder-books/tenantdb"
)

var (
	configDir  string
	shutdownTO time.Duration
	port       int

	username string
	allUsers bool
	outPath  string
	inPath   string

	fyStart string
	fyEnd   string
	fyLabel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "cylinder-books",
		Short:         "Cylinder dealer back-office server and admin CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "directory holding an optional .env file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides PORT)")
	serveCmd.Flags().DurationVar(&shutdownTO, "shutdown-timeout", 30*time.Second, "graceful shutdown timeout")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Split legacy user_data.db files into per-year databases",
		RunE:  runMigrate,
	}
	migrateCmd.Flags().StringVar(&username, "user", "", "tenant to migrate")
	migrateCmd.Flags().BoolVar(&allUsers, "all", false, "migrate every registered tenant")

	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a tenant's databases into one archive",
		RunE:  runBackup,
	}
	backupCmd.Flags().StringVar(&username, "user", "", "tenant to back up")
	backupCmd.Flags().StringVar(&outPath, "out", "", "archive path (default: BACKUP_DIR/<user>-backup-<time>.db)")
	_ = backupCmd.MarkFlagRequired("user")

	restoreCmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a tenant from an archive",
		RunE:  runRestore,
	}
	restoreCmd.Flags().StringVar(&username, "user", "", "tenant to restore into")
	restoreCmd.Flags().StringVar(&inPath, "file", "", "archive to restore")
	_ = restoreCmd.MarkFlagRequired("user")
	_ = restoreCmd.MarkFlagRequired("file")

	fyCmd := &cobra.Command{
		Use:   "fy",
		Short: "Financial year registry commands",
	}
	fyListCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered financial years",
		RunE:  runFYList,
	}
	fyCreateCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a financial year",
		RunE:  runFYCreate,
	}
	fyCreateCmd.Flags().StringVar(&fyStart, "start", "", "start date YYYY-MM-DD")
	fyCreateCmd.Flags().StringVar(&fyEnd, "end", "", "end date YYYY-MM-DD (default: one year after start, minus a day)")
	fyCreateCmd.Flags().StringVar(&fyLabel, "label", "", "display label")
	_ = fyCreateCmd.MarkFlagRequired("start")

	fyCmd.AddCommand(fyListCmd, fyCreateCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, backupCmd, restoreCmd, fyCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	cfg      *config.Config
	store    *sqlite.Store
	registry *fiscal.Registry
	provider *tenantdb.Provider
}

func newApp() (*app, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := sqlite.New(cfg.AuthDBPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.AuthDBPath, err)
	}
	registry := fiscal.NewRegistry(store)
	return &app{
		cfg:      cfg,
		store:    store,
		registry: registry,
		provider: tenantdb.NewProvider(store, registry, cfg.DataDir),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close auth database")
	}
}

func setupLogger(cfg *config.Config) {
	zerolog.SetGlobalLevel(cfg.Level())
	if !cfg.IsProduction() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// =============================================================================
// SERVE
// =============================================================================

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Port
	}

	if _, err := a.registry.EnsureCurrent(cmd.Context()); err != nil {
		log.Warn().Err(err).Msg("no current financial year")
	}

	handler := api.NewHandler(a.store, a.provider, a.cfg.BackupDir, a.cfg.MaxUploadBytes())
	router := api.NewRouter(handler, a.cfg.Origins())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", port).Str("env", a.cfg.Env).Str("data_dir", a.cfg.DataDir).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	log.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTO)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

// =============================================================================
// ADMIN COMMANDS
// =============================================================================

func runMigrate(cmd *cobra.Command, args []string) error {
	if username == "" && !allUsers {
		return errors.New("either --user or --all is required")
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	targets := []string{username}
	if allUsers {
		users, err := a.store.ListUsers(ctx)
		if err != nil {
			return err
		}
		targets = targets[:0]
		for _, u := range users {
			targets = append(targets, u.Username)
		}
	}

	migrator := tenantdb.NewLegacyMigrator(a.provider)
	var failed int
	for _, u := range targets {
		res, err := migrator.Migrate(ctx, u)
		if err != nil {
			failed++
			log.Error().Err(err).Str("username", u).Msg("legacy migration failed")
			continue
		}
		log.Info().Str("username", u).Strs("created", res.Created).Strs("skipped", res.Skipped).
			Str("backup", res.BackupPath).Msg("legacy migration done")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d migrations failed", failed, len(targets))
	}
	return nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	out := outPath
	if out == "" {
		name, err := tenantdb.DirName(username)
		if err != nil {
			return err
		}
		out = filepath.Join(a.cfg.BackupDir, name, fmt.Sprintf("%s-backup-%s.db", name, time.Now().UTC().Format("20060102-150405")))
	}
	res, err := tenantdb.NewBackupEngine(a.provider).Backup(cmd.Context(), username, out)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d databases\n", res.ID, res.Path, len(res.Databases))
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	dir, err := a.provider.Resolver().Resolve(ctx, username)
	if err != nil {
		return err
	}
	res, err := tenantdb.NewBackupEngine(a.provider).Restore(ctx, username, inPath, dir)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		log.Warn().Str("username", username).Msg(w)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "restored %v (previous files in %s)\n", res.Restored, res.SafetyBackupDir)
	return nil
}

func runFYList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	years, err := a.registry.List(cmd.Context())
	if err != nil {
		return err
	}
	for _, fy := range years {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", fy.ID, fy.Label, fy.StartString(), fy.EndString())
	}
	return nil
}

func runFYCreate(cmd *cobra.Command, args []string) error {
	start, err := fiscal.ParseDate(fyStart)
	if err != nil {
		return err
	}
	var end time.Time
	if fyEnd != "" {
		if end, err = fiscal.ParseDate(fyEnd); err != nil {
			return err
		}
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	fy := fiscal.NewYear(start, end, fyLabel)
	if err := a.registry.Create(cmd.Context(), fy); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), fy.ID)
	return nil
}
