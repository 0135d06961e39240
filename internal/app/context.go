package app

import (
	"database/sql"
	"fmt"

	"checkline/internal/config"
	"checkline/internal/db"
	"checkline/internal/engine"
	"checkline/internal/migrate"
)

// Context bundles the open workspace handles a command needs: database,
// parsed config and a ready engine.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open ensures the workspace exists, runs migrations and loads config.
// Missing config falls back to defaults.
func Open(workspace string) (*Context, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Context{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg),
	}, nil
}

func (c *Context) Close() error {
	return c.DB.Close()
}
