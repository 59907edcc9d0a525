package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/maltedev/visual-search-scraper/internal/browser"
	"github.com/maltedev/visual-search-scraper/internal/config"
	"github.com/maltedev/visual-search-scraper/internal/logger"
	"github.com/maltedev/visual-search-scraper/internal/models"
	"github.com/maltedev/visual-search-scraper/internal/scraper"
)

type output struct {
	Image         string                `json:"image"`
	Crop          scraper.CropOutcome   `json:"crop"`
	SurfaceSource scraper.SurfaceSource `json:"surface_source"`
	Parsed        int                   `json:"parsed"`
	Count         int                   `json:"count"`
	Results       []models.SearchResult `json:"results"`
}

func main() {
	var (
		forceCrop = flag.Bool("force-crop", false, "Expand the site's crop box to the whole image before reading results")
		keywords  = flag.String("keywords", "", "Comma separated title keywords; listings must contain one")
		headless  = flag.Bool("headless", false, "Run browser in headless mode")
		outFile   = flag.String("output", "", "Write JSON to this file instead of stdout")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-force-crop] [-keywords a,b] <image>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// logs go to stderr so stdout stays valid JSON
	log := logger.NewWithWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	browserOpts := browser.OptionsFromConfig(cfg.Browser)
	if *headless {
		browserOpts.Headless = true
	}

	b, err := browser.New(browserOpts)
	if err != nil {
		log.Error("failed to initialize browser", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	searchOpts := scraper.OptionsFromConfig(cfg.Search)
	session := browser.NewSession(b, searchOpts.LandingURL, searchOpts.SiteHost)
	defer session.Close()

	service := scraper.NewService(session, scraper.NewEngine(b, searchOpts, log), log)

	req := models.SearchRequest{
		ImagePath:          flag.Arg(0),
		ForceFullImageCrop: *forceCrop,
		Keywords:           splitKeywords(*keywords),
	}

	outcome, err := service.Search(ctx, req)
	if err != nil {
		log.Error("search failed", "error", err)
		os.Exit(1)
	}

	out := output{
		Image:         req.ImagePath,
		Crop:          outcome.Crop,
		SurfaceSource: outcome.SurfaceSource,
		Parsed:        outcome.Parsed,
		Count:         len(outcome.Results),
		Results:       outcome.Results,
	}
	if out.Results == nil {
		out.Results = []models.SearchResult{}
	}

	w := os.Stdout
	if *outFile != "" {
		f, err := os.Create(*outFile)
		if err != nil {
			log.Error("failed to create output file", "error", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		log.Error("failed to write results", "error", err)
		os.Exit(1)
	}

	if *outFile != "" {
		log.Info("results saved", "file", *outFile, "count", out.Count)
	}
}

func splitKeywords(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
