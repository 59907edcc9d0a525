package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/maltedev/visual-search-scraper/internal/batch"
	"github.com/maltedev/visual-search-scraper/internal/browser"
	"github.com/maltedev/visual-search-scraper/internal/config"
	"github.com/maltedev/visual-search-scraper/internal/logger"
	"github.com/maltedev/visual-search-scraper/internal/matcher"
	"github.com/maltedev/visual-search-scraper/internal/queue"
	"github.com/maltedev/visual-search-scraper/internal/ratelimit"
	"github.com/maltedev/visual-search-scraper/internal/scraper"
)

func main() {
	var (
		tasksFile = flag.String("tasks", "tasks.json", "JSON task file")
		outFile   = flag.String("output", "", "Write JSON lines to this file instead of stdout")
		retries   = flag.Int("retries", 1, "Retries per failed task")
		noPacing  = flag.Bool("no-pacing", false, "Skip the pauses between tasks")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewWithWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	tasks, err := queue.LoadTasks(*tasksFile)
	if err != nil {
		log.Error("failed to load tasks", "error", err)
		os.Exit(1)
	}

	q := queue.NewInMemoryQueue()
	if err := queue.NewBatchQueue(q).PushBatch(tasks); err != nil {
		log.Error("failed to queue tasks", "error", err)
		os.Exit(1)
	}
	log.Info("batch loaded", "tasks", q.Size(), "file", *tasksFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// one browser for the whole batch so cookies are shared
	b, err := browser.New(browser.OptionsFromConfig(cfg.Browser))
	if err != nil {
		log.Error("failed to initialize browser", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	searchOpts := scraper.OptionsFromConfig(cfg.Search)
	session := browser.NewSession(b, searchOpts.LandingURL, searchOpts.SiteHost)
	defer session.Close()

	service := scraper.NewService(session, scraper.NewEngine(b, searchOpts, log), log)

	opts := batch.Options{MaxRetries: *retries}
	if !*noPacing {
		opts.Pacer = ratelimit.PacerFromConfig(cfg.Jobs, log)
	}
	if cfg.Matcher.URL != "" {
		opts.Sink = matcher.NewClient(matcher.ClientOpts{
			BaseURL:    cfg.Matcher.URL,
			Timeout:    cfg.Matcher.Timeout,
			Token:      cfg.Matcher.Token,
			RetryCount: 2,
		})
	}

	var out io.Writer = os.Stdout
	if *outFile != "" {
		f, err := os.Create(*outFile)
		if err != nil {
			log.Error("failed to create output file", "error", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	summary, err := batch.NewRunner(service, opts, log).Run(ctx, q, out)
	log.Info("batch finished",
		"processed", summary.Total,
		"succeeded", summary.Succeeded,
		"empty", summary.Empty,
		"failed", summary.Failed,
		"remaining", q.Size())
	if err != nil && ctx.Err() == nil {
		log.Error("batch stopped", "error", err)
		os.Exit(1)
	}
}
