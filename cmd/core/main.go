// Package main runs the mango-lens core: the local scan capture,
// processing and reconciliation server behind the farm dashboard.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/almonsour13/mango-lens-sub001/internal/config"
	"github.com/almonsour13/mango-lens-sub001/internal/db"
	"github.com/almonsour13/mango-lens-sub001/internal/inference"
	"github.com/almonsour13/mango-lens-sub001/internal/logging"
	"github.com/almonsour13/mango-lens-sub001/internal/remote"
	"github.com/almonsour13/mango-lens-sub001/internal/scan"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	level := logging.LevelInfo
	if cfg.Server.Env == "development" {
		level = logging.LevelDebug
	}
	logging.Init(os.Stdout, level)
	logging.Info("mango-lens core starting", map[string]interface{}{
		"version": Version,
		"port":    cfg.Server.Port,
	})

	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		logging.Error("failed to create data directory", err)
		os.Exit(1)
	}

	database, err := db.Open(cfg.Store.DataDir)
	if err != nil {
		logging.Error("failed to open database", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := db.NewMigrator(database.DB).Up(); err != nil {
		logging.Error("migration failed", err)
		os.Exit(1)
	}

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	loader := inference.NewLoader(cfg.Model.ArtifactPath)
	// Warm the model in the background. A failure here is not fatal:
	// capture keeps working offline and processing retries the load.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := loader.Load(ctx); err != nil {
			logging.Warn("model warm-up failed, jobs stay pending until it loads",
				map[string]interface{}{"error": err.Error()})
		}
	}()

	processor := scan.NewProcessor(repo, loader, scan.Options{
		RelevanceThreshold: cfg.Pipeline.RelevanceThreshold,
		CanonicalWidth:     cfg.Pipeline.CanonicalWidth,
		CanonicalHeight:    cfg.Pipeline.CanonicalHeight,
		BatchInterval:      cfg.Pipeline.BatchInterval,
	})

	hub := NewWSHub()
	hub.BindNotifier(processor.Notifier())

	var reconciler *remote.Reconciler
	if cfg.Remote.Endpoint != "" {
		client := remote.NewHTTPClient(cfg.Remote.Endpoint, cfg.Remote.Timeout)
		reconciler = remote.NewReconciler(repo, client)
	} else {
		logging.Info("no remote endpoint configured, scans stay local")
	}

	mux := http.NewServeMux()
	NewScanHandler(repo, processor, reconciler, hub).Register(mux)
	mux.HandleFunc("/ws", HandleWebSocket(hub))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logging.Info("listening", map[string]interface{}{"addr": addr})
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Error("server stopped", err)
		os.Exit(1)
	}
}
