package main

import (
	"fmt"
	"os"
	"path/filepath"

	crewdeck "github.com/crewdeck/crewdeck-go"
)

// getClient creates a Crewdeck client from the stored configuration.
func getClient() *crewdeck.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'crewdeck init <token>' first.")
		os.Exit(1)
	}

	var opts []crewdeck.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, crewdeck.WithBaseURL(cfg.Default.BaseURL))
	}

	return crewdeck.NewClient(cfg.Auth.Token, opts...)
}

// getOfflineWorker opens the offline store under ~/.crewdeck/offline and
// wraps it in a worker for the configured base URL.
func getOfflineWorker(cfg *Config) (*crewdeck.OfflineWorker, *crewdeck.OfflineStore, error) {
	dir, err := configDir()
	if err != nil {
		return nil, nil, err
	}
	store, err := crewdeck.OpenOfflineStore(filepath.Join(dir, "offline"))
	if err != nil {
		return nil, nil, fmt.Errorf("open offline store: %w", err)
	}

	origin := cfg.Default.BaseURL
	if origin == "" {
		origin = crewdeck.DefaultBaseURL
	}
	version := cfg.Default.CacheVersion
	if version == "" {
		version = "v1"
	}
	worker, err := crewdeck.NewOfflineWorker(store, crewdeck.OfflineConfig{
		Origin:  origin,
		Version: version,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return worker, store, nil
}
