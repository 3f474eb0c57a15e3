/*
main.go - Application entry point

PURPOSE:
  Command-line interface for the print-shop ledger. The default command
  runs the HTTP server; the others operate on the same database for
  maintenance.

COMMANDS:
  serve            Run the HTTP API (default)
  migrate          Apply schema migrations and report the version
  reconcile [id]   Check one client, or all of them
  balance <id>     Print a client's pending balance and credit
  seed-sequence    Raise a Redis counter before switching backends

CONFIGURATION:
  Environment variables (or a .env file), see config/config.go.
  --db overrides DB_PATH for every command.

SEE ALSO:
  - serve.go: Server startup and graceful shutdown
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/warp/printshop-ledger/config"
	"github.com/warp/printshop-ledger/ledger"
	"github.com/warp/printshop-ledger/logger"
	"github.com/warp/printshop-ledger/sequence"
	"github.com/warp/printshop-ledger/store/sqlite"
)

var dbPath string

func main() {
	root := &cobra.Command{
		Use:           "printshop-ledger",
		Short:         "Client accounts ledger for a print shop",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides DB_PATH)")

	root.AddCommand(
		serveCmd(),
		migrateCmd(),
		reconcileCmd(),
		balanceCmd(),
		seedSequenceCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app bundles what every command needs.
type app struct {
	cfg    *config.Config
	store  *sqlite.Store
	engine *ledger.Engine
	close  func()
}

// setup loads configuration, initializes logging and opens the store.
func setup() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if err := logger.Setup(cfg.LoggerConfig()); err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	closers := []func(){func() { store.Close() }}

	opts := ledger.Options{
		Logger:            logger.Get(),
		AuditPolicy:       cfg.AuditPolicy,
		StrictOverpayment: cfg.StrictOverpayment,
	}
	if cfg.SequenceBackend == "redis" {
		rdb, err := sequence.Connect(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			store.Close()
			return nil, err
		}
		closers = append(closers, func() { rdb.Close() })
		opts.Sequences = sequence.NewRedis(rdb, "")
		log.Info().Str("addr", cfg.RedisAddr).Msg("using redis sequences")
	}

	return &app{
		cfg:    cfg,
		store:  store,
		engine: ledger.NewEngine(store, opts),
		close: func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		},
	}, nil
}
