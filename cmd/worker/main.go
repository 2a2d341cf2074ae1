// worker polls a Conductor server for the demo task types and exposes an
// ops API for status, metrics, lost results and live events.
package main

import (
	"context"
	"log"
	"os"

	"github.com/seantiz/taskworker/internal/config"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("taskworker: starting",
		"conductor_url", cfg.ConductorURL,
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"kafka_enabled", len(cfg.KafkaBrokers) > 0,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}

	if err := a.start(ctx); err != nil {
		log.Fatalf("failed to start: %v", err)
	}

	runErr := a.server.Run()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
