package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"image-enhancer/internal/config"
	"image-enhancer/internal/queue"
	"image-enhancer/internal/store"
	"image-enhancer/internal/telemetry"
	"image-enhancer/internal/worker"
)

func main() {
	cfg := config.Load()
	if cfg.StoreBackend == "memory" {
		log.Fatal("STORE_BACKEND=memory runs the worker inside the api process; a standalone worker needs postgres")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.NewRedisQueue(cfg)

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	handler, err := worker.NewEnhanceHandler(ctx, cfg)
	if err != nil {
		log.Fatalf("init enhance handler: %v", err)
	}
	processor := worker.NewProcessor(cfg, q, st, handler.Handle, workerID)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started with visibility=%s max_attempts=%d", workerID, cfg.VisibilityTimeout, cfg.MaxAttempts)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
