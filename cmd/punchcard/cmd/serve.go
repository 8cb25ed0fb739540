package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/punchcardhq/punchcard/internal/core/api"
	"github.com/punchcardhq/punchcard/internal/core/auth"
	"github.com/punchcardhq/punchcard/internal/core/config"
	"github.com/punchcardhq/punchcard/internal/core/db"
	"github.com/punchcardhq/punchcard/internal/core/server"
	"github.com/punchcardhq/punchcard/internal/expiry"
	"github.com/punchcardhq/punchcard/internal/issuer"
	"github.com/punchcardhq/punchcard/internal/ledger"
	"github.com/punchcardhq/punchcard/internal/loyalty"
	"github.com/punchcardhq/punchcard/internal/referral"
	"github.com/punchcardhq/punchcard/internal/rulestore"
)

const Version = "0.1.0"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the loyalty engine HTTP service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "0.0.0.0", "HTTP server host")
	serveCmd.Flags().Int("port", 8080, "HTTP server port")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := setupLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cmd.Flags().Changed("host") {
		host, _ := cmd.Flags().GetString("host")
		cfg.Host = host
	}
	if cmd.Flags().Changed("port") {
		port, _ := cmd.Flags().GetInt("port")
		cfg.Port = port
	}
	if dbURL != "" {
		cfg.DatabaseURL = dbURL
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer conn.Close()

	var migrationID string
	checkQuery := `SELECT migration_id FROM migrations WHERE migration_id = '001_initial_schema.sql'`
	err = conn.Get(&migrationID, conn.Rebind(checkQuery))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("schema not migrated - run 'punchcard migrate' first")
		}
		return fmt.Errorf("failed to check migrations: %w", err)
	}

	queries, err := db.LoadQueries(conn)
	if err != nil {
		return fmt.Errorf("failed to load queries: %w", err)
	}

	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	if len(secrets) == 0 {
		return fmt.Errorf("no HMAC secrets configured (set PC_HMAC_SECRET environment variable)")
	}
	authenticator := auth.NewAuthenticator(secrets, queries)

	led := ledger.New(conn, queries, referral.NewCode, logger)
	store := rulestore.New(queries, logger)
	tracker := referral.NewTracker(led, queries, logger)
	iss := issuer.New(led, queries, tracker, logger)
	svc := loyalty.New(led, store, tracker, iss, cfg.PointValue, logger)

	sweeper := expiry.New(led, cfg.SweepInterval, logger)
	go sweeper.Run(ctx)

	handler := api.NewHandler(svc, store, led, tracker)
	httpServer, err := server.NewHTTPServer(cfg, handler.Router(authenticator))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	logger.Info("starting punchcard", "version", Version, "host", cfg.Host, "port", cfg.Port)
	errChan := make(chan error, 1)
	go func() {
		errChan <- httpServer.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-sigChan:
		logger.Info("shutting down gracefully")
		cancel()
		return httpServer.Shutdown(context.Background())
	}
}
