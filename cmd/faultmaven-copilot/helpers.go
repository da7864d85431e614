package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	copilot "github.com/FaultMaven/faultmaven-copilot-sub001"
)

// readFileArg reads a file passed as a CLI argument.
func readFileArg(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return data, nil
}

func fileBase(path string) string {
	return filepath.Base(path)
}

// shortContext returns a context for quick local operations.
func shortContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// cliVersion is stamped at build time.
var cliVersion = "dev"

// getClient creates an API client from the stored configuration.
func getClient() *copilot.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'faultmaven-copilot init <token>' first.")
		os.Exit(1)
	}

	var opts []copilot.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, copilot.WithBaseURL(cfg.Default.BaseURL))
	}
	return copilot.NewClient(cfg.Default.Token, opts...)
}

// getEngine wires an engine over the persistent SQLite store. The caller
// owns Close.
func getEngine() (*copilot.Engine, func()) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	dbPath := cfg.Default.StateDB
	if dbPath == "" {
		dir, err := configDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		dbPath = filepath.Join(dir, "state.db")
	}

	store, err := copilot.OpenSQLiteStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state store: %v\n", err)
		os.Exit(1)
	}

	engine := copilot.NewEngine(getClient(), store, copilot.EngineOptions{
		Version:          cliVersion,
		RuntimeSessionID: uuid.NewString(),
	})
	cleanup := func() {
		ctx, cancel := shortContext()
		defer cancel()
		_ = engine.Close(ctx)
		_ = store.Close()
	}
	return engine, cleanup
}
