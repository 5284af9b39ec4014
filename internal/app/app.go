package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vasvenk/buildml/internal/config"
	"github.com/vasvenk/buildml/internal/db"
	"github.com/vasvenk/buildml/internal/engine"
	"github.com/vasvenk/buildml/internal/migrate"
)

// Open boots a workspace: it creates the .buildml directory if
// missing, opens the store, applies migrations, loads buildml.yml, and
// returns a wired engine. The caller owns Close on both returns.
func Open(workspace string) (*engine.Engine, *sql.DB, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, nil, fmt.Errorf("ensure workspace: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return engine.New(conn, cfg), conn, nil
}

// Resume re-arms training timers left over from a previous process.
func Resume(ctx context.Context, e *engine.Engine) (int, error) {
	return e.ResumeTraining(ctx)
}
