package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/inteldocs/internal/app"
	"github.com/dharsanguruparan/inteldocs/internal/config"
	"github.com/dharsanguruparan/inteldocs/internal/logger"
	"github.com/dharsanguruparan/inteldocs/internal/queue"
	"github.com/dharsanguruparan/inteldocs/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("init worker", "error", err)
	}
	defer a.Close()
	if err := a.SeedTags(ctx); err != nil {
		log.Fatal("seed tags", "error", err)
	}

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues:      map[string]int{queue.DefaultQueue: 1},
		Logger:      log.SugaredLogger,
	})
	processor := worker.NewProcessor(a.Pipeline, log)
	mux := processor.Handler()

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	log.Info("worker started", "concurrency", cfg.WorkerConcurrency, "vector_backend", cfg.VectorBackend, "source_backend", cfg.SourceBackend)
	if err := server.Run(mux); err != nil {
		log.Error("worker stopped", "error", err)
		_ = a.Close()
		os.Exit(1)
	}
}
