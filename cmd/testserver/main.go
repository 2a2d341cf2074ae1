// testserver starts an in-memory Conductor task queue for local runs of the
// worker. Tasks are enqueued with POST /api/tasks/queue/{taskType}.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/seantiz/taskworker/internal/conductortest"
	"github.com/seantiz/taskworker/internal/config"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("TASKWORKER_TESTSERVER_ADDR"); v != "" {
		addr = v
	}
	logger := config.NewLogger(os.Stdout, config.Load().LogLevel)

	queue := conductortest.NewServer(logger)

	// Seed a few echo tasks so a freshly started worker has something to do.
	seed := 3
	if v, err := strconv.Atoi(os.Getenv("TASKWORKER_TESTSERVER_SEED")); err == nil && v >= 0 {
		seed = v
	}
	for i := range seed {
		queue.Enqueue("echo", "", map[string]any{"seq": i})
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           queue.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("testserver: starting", "addr", addr, "seeded", seed)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("testserver: shutting down", "signal", sig.String())
	case err := <-errCh:
		log.Fatalf("server error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}
