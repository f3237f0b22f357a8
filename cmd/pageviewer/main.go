package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	cfgpkg "github.com/local/pageviewer/internal/config"
	logpkg "github.com/local/pageviewer/internal/logger"
	"github.com/local/pageviewer/internal/metrics"
	"github.com/local/pageviewer/internal/pagecache"
	"github.com/local/pageviewer/internal/rasterizer"
	"github.com/local/pageviewer/internal/source"
	"github.com/local/pageviewer/internal/statuscheck"
	"github.com/local/pageviewer/internal/store"
	"github.com/local/pageviewer/internal/viewer"
)

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()
	cfg := cfgpkg.FromEnv()

	if err := logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	}); err != nil {
		log.Error().Err(err).Msg("logger init failed, continuing with defaults")
	}
	defer logpkg.Close()

	metrics.Init()

	// Page store (optional)
	var (
		pageStore viewer.Forgetter
		cacheOpts = pagecache.Options{Concurrency: cfg.Render.Concurrency, StoreTimeout: cfg.Store.Timeout}
	)
	if cfg.Store.RedisURL != "" {
		ps, err := store.NewPageStore(cfg.Store.RedisURL, cfg.Store.TTL)
		if err != nil {
			log.Warn().Err(err).Msg("page store unavailable, rendering without it")
		} else {
			defer ps.Close()
			cacheOpts.Store = ps
			pageStore = ps
		}
	}

	fitz := rasterizer.NewFitz(cfg.Render.DPI)
	cache := pagecache.New(fitz, cacheOpts)
	defer cache.Close()

	resolver, err := source.NewResolver(source.Options{
		ScratchDir: cfg.Source.ScratchDir,
		AssetsDir:  cfg.Source.AssetsDir,
		HTTPClient: &http.Client{Timeout: cfg.Source.HTTPTimeout},
		S3: source.S3Options{
			Region:       cfg.Source.S3Region,
			AccessKey:    cfg.Source.S3AccessKey,
			SecretKey:    cfg.Source.S3SecretKey,
			SessionToken: cfg.Source.S3SessionToken,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init document resolver")
	}

	checks := statuscheck.Options{ScratchDir: cfg.Source.ScratchDir, Sessions: cache}
	if pinger, ok := pageStore.(statuscheck.Pinger); ok {
		checks.Store = pinger
	}

	view := viewer.New(viewer.Dependencies{
		Pages:    cache,
		Resolver: resolver,
		Titler:   fitz,
		Store:    pageStore,
		Status:   statuscheck.New(checks),
	}, viewer.Options{WaitTimeout: cfg.Render.WaitTimeout, JPEGQuality: cfg.HTTP.JPEGQuality})
	defer view.Close()

	mux := http.NewServeMux()
	view.RegisterRoutes(mux)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Scratch janitor; the open document's copy stays however old it is
	go func() {
		source.CleanupScratch(cfg.Source.ScratchDir, cfg.Source.ScratchMaxAge, view.CurrentPath())
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				source.CleanupScratch(cfg.Source.ScratchDir, cfg.Source.ScratchMaxAge, view.CurrentPath())
			}
		}
	}()

	srv := &http.Server{Addr: ":" + cfg.HTTP.Port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().
			Str("port", cfg.HTTP.Port).
			Float64("dpi", fitz.DPI()).
			Int("concurrency", cfg.Render.Concurrency).
			Bool("page_store", cacheOpts.Store != nil).
			Msg("page viewer listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	log.Info().Msg("shutdown complete")
}
