package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"property-sync/api"
	"property-sync/backup"
	"property-sync/browser"
	"property-sync/config"
	"property-sync/merge"
	"property-sync/models"
	"property-sync/queue"
	"property-sync/scraper"
	"property-sync/scraper/coords"
	"property-sync/scraper/extract"
	"property-sync/services"
	"property-sync/storage"
	"property-sync/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := utils.InitLogger(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer utils.L().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		utils.Error("Fatal: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	utils.Info("Property sync starting | backend=%s store=%s workers=%d/%d/%d attempts=%d",
		cfg.BrowserBackend, cfg.StoreDriver, cfg.SearchWorkers, cfg.DetailWorkers, cfg.RetryWorkers, cfg.MaxAttempts)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	opener, closeOpener, err := openBrowser(cfg)
	if err != nil {
		return err
	}
	defer closeOpener()

	selectors, err := extract.LoadSelectors(cfg.SelectorsPath)
	if err != nil {
		return err
	}
	pattern := cfg.CapturePattern
	if pattern == "" {
		pattern = browser.DefaultCapturePattern
	}
	capture, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid CAPTURE_PATTERN: %w", err)
	}
	resolver := coords.NewResolver(cfg.CoordAttempts, cfg.CoordDelay, coords.DefaultStrategies(capture)...)
	sc := scraper.New(opener, extract.New(selectors), resolver, scraper.Options{
		RequestsPerSecond: cfg.RequestRPS,
		MinDelay:          cfg.MinDelay,
		MaxDelay:          cfg.MaxDelay,
	})

	rules, err := merge.LoadRules(cfg.MergeRulesPath, cfg.PriceTolerance)
	if err != nil {
		return err
	}
	backups, err := backup.NewFileStore(cfg.BackupDir, cfg.BackupRetention)
	if err != nil {
		return err
	}
	syncer := services.NewSyncer(store, merge.NewEngine(rules), backups)

	q := queue.New()
	pipeline := services.NewPipeline(q, sc, syncer, store, backups, services.PipelineOptions{
		StartURL:     cfg.StartURL,
		MaxPages:     cfg.MaxPages,
		RetryWorkers: cfg.RetryWorkers,
		Kinds:        kindConfigs(cfg),
	})

	if cfg.RunOnce {
		return runOnce(ctx, cfg, q, pipeline, store)
	}

	server := api.NewServer(pipeline, cfg.HTTPAddr)
	scheduler := services.NewScheduler(pipeline, cfg.ScheduleInterval, cfg.StartURL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error {
		utils.Info("HTTP API listening on %s", server.Addr())
		return server.ListenAndServe()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	utils.Info("Property sync stopped")
	return err
}

func runOnce(ctx context.Context, cfg *config.Config, q *queue.Queue, pipeline *services.Pipeline, store storage.Store) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- q.Run(runCtx) }()

	utils.Section("SCAN")
	if err := pipeline.RunOnce(ctx, ""); err != nil {
		return err
	}
	cancel()
	if err := <-done; err != nil {
		return err
	}

	listings, err := store.ListListings(ctx, storage.ListFilter{})
	if err != nil {
		return err
	}
	if len(listings) == 0 {
		utils.Warn("No listings stored.")
		return nil
	}
	if cfg.CSVPath != "" {
		if err := storage.NewCSVWriter(cfg.CSVPath).Write(listings); err != nil {
			return fmt.Errorf("export csv: %w", err)
		}
	}

	failed, err := store.ListFailedJobs(ctx)
	if err != nil {
		return err
	}
	services.PrintReport(services.GenerateReport(listings, len(failed)))
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		return storage.NewSQLiteStore(cfg.SQLitePath)
	default:
		return storage.NewPostgresStore(ctx, cfg.DSN())
	}
}

func openBrowser(cfg *config.Config) (browser.Opener, func(), error) {
	if cfg.BrowserBackend == "http" {
		return browser.NewHTTPOpener(cfg.NavTimeout), func() {}, nil
	}
	session, err := browser.NewSession(browser.SessionOptions{
		Headless:       cfg.Headless,
		NavTimeout:     cfg.NavTimeout,
		CapturePattern: cfg.CapturePattern,
	})
	if err != nil {
		return nil, nil, err
	}
	return session, session.Close, nil
}

func kindConfigs(cfg *config.Config) map[models.JobKind]queue.KindConfig {
	workers := map[models.JobKind]int{
		models.KindSearch: cfg.SearchWorkers,
		models.KindDetail: cfg.DetailWorkers,
		models.KindRetry:  cfg.RetryWorkers,
	}
	out := make(map[models.JobKind]queue.KindConfig, len(workers))
	for kind, n := range workers {
		kc := queue.DefaultKindConfig(kind)
		kc.Concurrency = n
		kc.MaxAttempts = cfg.MaxAttempts
		kc.BaseDelay = cfg.BackoffBase
		out[kind] = kc
	}
	return out
}
