// Package app wires a workspace into a ready engine: config, database,
// migrations and logging.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"kople/internal/config"
	"kople/internal/db"
	"kople/internal/engine"
	"kople/internal/migrate"
)

// App is an opened workspace.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Logger    *slog.Logger
}

// Open loads kople.yml (defaults when absent), opens and migrates the
// workspace database and builds the engine.
func Open(ctx context.Context, workspace string) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger := NewLogger(cfg, os.Stderr)
	e := engine.New(conn, cfg)
	e.Logger = logger
	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    e,
		Logger:    logger,
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// NewLogger builds the slog logger described by the logging section.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	if cfg == nil {
		cfg = config.Default()
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Logging.Level)}
	if strings.EqualFold(cfg.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
