package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/felo/eml-store/internal/boltstore"
	"github.com/felo/eml-store/internal/config"
	"github.com/felo/eml-store/internal/db"
	"github.com/felo/eml-store/internal/filestore"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "eml-store",
		Short:        "Store RFC 5322 messages and serve their content",
		SilenceUsage: true,
	}

	config.RegisterFlags(rootCmd)

	rootCmd.AddCommand(
		serveCmd(),
		indexCmd(),
		importMboxCmd(),
		exportMboxCmd(),
		catCmd(),
		copyCmd(),
		mailboxesCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app is what every command needs once flags and config are resolved
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *db.DB
	close  func()
}

// setup loads configuration, builds the logger and opens the store with the
// configured content backend.
func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger := setupLogger(cfg)
	slog.SetDefault(logger)

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	logger.Debug("database opened", "path", cfg.DBPath)

	closeBackend := func() {}
	switch cfg.Content.Backend {
	case config.BackendSQLite:
		database.SetContentBackend(database.Blobs().WithChunkSize(cfg.Content.ChunkSize))
	case config.BackendBolt:
		store, err := boltstore.Open(cfg.Content.BoltPath, cfg.Content.ChunkSize)
		if err != nil {
			database.Close()
			return nil, err
		}
		database.SetContentBackend(store)
		closeBackend = func() {
			if err := store.Close(); err != nil {
				logger.Warn("failed to close content store", "path", store.Path(), "err", err)
			}
		}
	case config.BackendFiles:
		store, err := filestore.New(cfg.Content.Dir)
		if err != nil {
			database.Close()
			return nil, err
		}
		database.SetContentBackend(store)
	}
	if err := database.BindContentBackend(cmd.Context(), cfg.Content.Backend); err != nil {
		closeBackend()
		database.Close()
		return nil, err
	}
	logger.Debug("content backend selected", "backend", cfg.Content.Backend)

	return &app{
		cfg:    cfg,
		logger: logger,
		db:     database,
		close: func() {
			closeBackend()
			if err := database.Close(); err != nil {
				logger.Warn("failed to close database", "err", err)
			}
		},
	}, nil
}

func setupLogger(cfg *config.Config) *slog.Logger {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	// stdout carries message content for cat and export
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
