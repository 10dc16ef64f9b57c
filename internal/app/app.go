package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"trustgate/internal/checkpoint"
	"trustgate/internal/config"
	"trustgate/internal/db"
	"trustgate/internal/engine"
	"trustgate/internal/migrate"
	"trustgate/internal/obs"
)

// Overrides are values taken from the environment that win over trustgate.yml.
type Overrides struct {
	DecisionAPIKey string
	DecisionAPIURL string
}

// LoadConfig reads the workspace config, falling back to defaults when the
// file is absent, and applies env overrides.
func LoadConfig(workspace string, o Overrides) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(o.DecisionAPIURL); v != "" {
		cfg.Decision.APIURL = v
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	cfg.Decision.APIKey = strings.TrimSpace(o.DecisionAPIKey)
	return cfg, nil
}

// Options tune Open.
type Options struct {
	Logger  *log.Logger
	Metrics *obs.Metrics
	// Service replaces the decision client built from the config.
	Service checkpoint.DecisionService
}

// Runtime is an opened workspace: migrated audit store plus engine.
type Runtime struct {
	Workspace string
	DB        *sql.DB
	Engine    *engine.Engine
}

// Open ensures the workspace, opens and migrates the audit db and builds the
// engine. Callers must Close the runtime.
func Open(ctx context.Context, workspace string, cfg *config.Config, opts Options) (*Runtime, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	var recorders []checkpoint.Recorder
	if opts.Metrics != nil {
		recorders = append(recorders, opts.Metrics)
	}
	e := engine.New(conn, cfg, engine.Options{
		Service:   opts.Service,
		Logger:    opts.Logger,
		Recorders: recorders,
	})
	return &Runtime{Workspace: workspace, DB: conn, Engine: e}, nil
}

// Close waits for in-flight event deliveries, then closes the db.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	if r.Engine != nil {
		r.Engine.Close()
	}
	return r.DB.Close()
}
