package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"image-enhancer/internal/api"
	"image-enhancer/internal/config"
	"image-enhancer/internal/orchestrator"
	"image-enhancer/internal/queue"
	"image-enhancer/internal/ratelimit"
	"image-enhancer/internal/scraper"
	"image-enhancer/internal/store"
	"image-enhancer/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st := openStore(ctx, cfg)
	defer st.Close()

	q := queue.NewRedisQueue(cfg)
	limiterClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(limiterClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	sc := scraper.New(cfg.ScrapeTimeout, cfg.TempDir, cfg.MaxImageBytes)
	orch := orchestrator.New(cfg, st, q, sc)

	// With the in-memory backend a separate worker process could not see the
	// stores, so the worker loop runs inline.
	if cfg.StoreBackend == "memory" {
		handler, err := worker.NewEnhanceHandler(ctx, cfg)
		if err != nil {
			log.Fatalf("init enhance handler: %v", err)
		}
		proc := worker.NewProcessor(cfg, q, st, handler.Handle, "inline")
		go func() {
			if err := proc.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("inline worker stopped: %v", err)
			}
		}()
		log.Printf("inline worker started (memory store)")
	}

	server := api.New(cfg, orch, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Config) store.Store {
	if cfg.StoreBackend == "memory" {
		return store.NewMemory()
	}
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	if err := pg.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	return pg
}
