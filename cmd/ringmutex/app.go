package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/daviddao/ringmutex/pkg/agent"
	"github.com/daviddao/ringmutex/pkg/config"
	"github.com/daviddao/ringmutex/pkg/model"
	"github.com/daviddao/ringmutex/pkg/store"
)

// app holds shared state for all CLI subcommands.
type app struct {
	cfg   *config.Config
	store *store.Store
}

// newApp resolves the configuration and opens its database, creating the
// database directory when needed.
func newApp() (*app, error) {
	cfg, err := config.Resolve("")
	if err != nil {
		return nil, err
	}
	dbPath := cfg.Database.Path
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", dir, err)
		}
	}
	s, err := store.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open database %q: %w", dbPath, err)
	}
	return &app{cfg: cfg, store: s}, nil
}

// Close releases the database connection.
func (a *app) Close() { a.store.Close() }

// resolveRun returns the run named by id, or the latest run when id is
// empty.
func (a *app) resolveRun(id string) (*model.Run, error) {
	if id == "" {
		return a.store.LatestRun()
	}
	return a.store.GetRun(id)
}

// exitCode maps a run error to the process exit code.
func exitCode(err error) int {
	var te *agent.TransportError
	if errors.As(err, &te) {
		return exitTransport
	}
	return exitError
}

// shortID abbreviates a run ID for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
