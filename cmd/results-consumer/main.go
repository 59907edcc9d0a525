package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/maltedev/visual-search-scraper/internal/config"
	"github.com/maltedev/visual-search-scraper/internal/events"
	"github.com/maltedev/visual-search-scraper/internal/logger"
	"github.com/redis/go-redis/v9"
)

// Tails the completion stream and appends every finished search as one JSON
// line, for tools that post-process candidates offline.
func main() {
	var (
		group    = flag.String("group", "visual-search-consumers", "Consumer group")
		name     = flag.String("name", "consumer-1", "Consumer name within the group")
		outFile  = flag.String("output", "", "Append JSON lines to this file instead of stdout")
		onlyHits = flag.Bool("only-hits", false, "Skip failed jobs and jobs without results")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewWithWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	log.Info("connected to Redis", "addr", cfg.Redis.Addr)

	var out io.Writer = os.Stdout
	if *outFile != "" {
		f, err := os.OpenFile(*outFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Error("failed to open output file", "error", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	var mu sync.Mutex
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)

	handler := func(ctx context.Context, p *events.SearchCompletedPayload) error {
		if *onlyHits && p.ResultCount == 0 {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(p); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
		log.Info("search exported", "job_id", p.JobID, "status", p.Status, "results", p.ResultCount)
		return nil
	}

	consumer := events.NewConsumer(rdb, events.ConsumerConfig{
		Stream: cfg.Redis.Stream,
		Group:  *group,
		Name:   *name,
	}, handler, log)

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
	log.Info("consumer stopped")
}
