package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/maltedev/visual-search-scraper/internal/api"
	"github.com/maltedev/visual-search-scraper/internal/browser"
	"github.com/maltedev/visual-search-scraper/internal/config"
	"github.com/maltedev/visual-search-scraper/internal/database"
	"github.com/maltedev/visual-search-scraper/internal/events"
	"github.com/maltedev/visual-search-scraper/internal/jobs"
	"github.com/maltedev/visual-search-scraper/internal/logger"
	"github.com/maltedev/visual-search-scraper/internal/matcher"
	"github.com/maltedev/visual-search-scraper/internal/ratelimit"
	"github.com/maltedev/visual-search-scraper/internal/scraper"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("visual search service stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("visual search service stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Browser and the long-lived session on the site
	b, err := browser.New(browser.OptionsFromConfig(cfg.Browser))
	if err != nil {
		return err
	}
	defer b.Close()

	searchOpts := scraper.OptionsFromConfig(cfg.Search)
	session := browser.NewSession(b, searchOpts.LandingURL, searchOpts.SiteHost)
	defer session.Close()

	if err := session.Warm(ctx); err != nil {
		// the first search retries, a cold start is not fatal
		log.Warn("failed to warm browser session", "error", err)
	}

	engine := scraper.NewEngine(b, searchOpts, log)
	service := scraper.NewService(session, engine, log)

	var (
		jobStore api.JobStore
		outbox   api.OutboxReporter
		manager  *jobs.Manager
		relay    *database.Relay
	)

	if cfg.Jobs.Enabled {
		db, err := database.New(ctx, database.ConfigFromSettings(cfg.Database))
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			return err
		}

		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}

		relay = database.NewRelay(db, redisClient, log, database.RelayConfig{
			Stream:       cfg.Redis.Stream,
			PollInterval: 5 * time.Second,
			BatchSize:    100,
			MaxLen:       10000,
		})

		publisher := events.NewPublisher(db, cfg.Redis.Stream, log)

		opts := jobs.Options{
			PollInterval: cfg.Jobs.PollInterval,
			Pacer:        ratelimit.PacerFromConfig(cfg.Jobs, log),
		}
		if cfg.Matcher.URL != "" {
			opts.Matcher = matcher.NewClient(matcher.ClientOpts{
				BaseURL:    cfg.Matcher.URL,
				Timeout:    cfg.Matcher.Timeout,
				Token:      cfg.Matcher.Token,
				RetryCount: 2,
			})
		}

		manager = jobs.NewManager(db, service, publisher, opts, log)
		jobStore = manager
		outbox = relay
	}

	handlers := api.NewHandlers(service, jobStore, session, outbox, log)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://localhost:*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	handlers.Routes(r)

	// A search may sit on the human challenge for minutes, so there is no
	// write timeout unless one is configured.
	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if relay != nil {
		g.Go(func() error {
			return ignoreCanceled(relay.Start(gctx))
		})
	}

	if manager != nil {
		g.Go(func() error {
			return ignoreCanceled(manager.StartWorker(gctx))
		})
	}

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
