// Command lapse plays a timelapse from a lapse-server: it fetches the frame
// manifest, buffers a sliding window of frames around the current one and
// presents them at a fixed rate to the configured surfaces.
//
// Usage:
//
//	lapse [--config path/to/config.yaml] [--debug]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/lapse/internal/config"
	"github.com/snehjoshi/lapse/internal/engine"
	"github.com/snehjoshi/lapse/internal/frame"
	"github.com/snehjoshi/lapse/internal/ident"
	"github.com/snehjoshi/lapse/internal/loop"
	"github.com/snehjoshi/lapse/internal/metrics"
	"github.com/snehjoshi/lapse/internal/store"
	"github.com/snehjoshi/lapse/internal/surface"
	"github.com/snehjoshi/lapse/internal/viewer"
	"github.com/snehjoshi/lapse/pkg/client"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "lapse: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	debug := flag.Bool("debug", false, "log every stutter and load")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	session := ident.MustNewID()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})).With("session", session)
	slog.SetDefault(logger)

	t := cfg.ResolvedTier()
	slog.Info("lapse starting",
		"base_url", cfg.Player.BaseURL,
		"tier", t,
		"buffer_ahead", cfg.Player.BufferAhead,
		"buffer_behind", cfg.Player.BufferBehind,
		"fps", cfg.Player.FPS,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 3. Fetch the manifest ────────────────────────────────────────────────
	c := client.New(cfg.Player.BaseURL, client.WithSessionID(session))
	keys, err := c.Images(ctx)
	if err != nil {
		slog.Error("manifest fetch failed", "err", err)
		return fmt.Errorf("fetch manifest: %w", err)
	}
	idx := frame.NewIndex(keys)
	slog.Info("manifest loaded", "frames", idx.Len())

	// ── 4. Loop, surfaces and engine ─────────────────────────────────────────
	l := loop.New(cfg.Player.RefreshHz)
	l.Start(context.Background())
	defer l.Stop()

	metricsReg := &metrics.Registry{}

	var v *viewer.Viewer
	surfaces := surface.Fanout{surface.NewLog(logger, slog.LevelDebug)}
	var file *surface.File
	if cfg.Output.FramePath != "" {
		file = surface.NewFile(cfg.Output.FramePath, logger)
		surfaces = append(surfaces, file)
	}
	if cfg.Viewer.Enabled {
		surfaces = append(surfaces, engine.SurfaceFunc(func(f engine.Frame) { v.Show(f) }))
	}

	fetch := store.FetcherFunc(func(ctx context.Context, key string) ([]byte, error) {
		return c.Image(ctx, string(t), key)
	})
	eng := engine.New(idx, fetch, l, surfaces,
		engine.Config{
			Ahead:          cfg.Player.BufferAhead,
			Behind:         cfg.Player.BufferBehind,
			FPS:            cfg.Player.FPS,
			SwipeThreshold: cfg.Player.SwipeThreshold,
			Autoplay:       cfg.Player.Autoplay,
			Tier:           string(t),
		},
		engine.WithStoreOptions(
			store.WithContext(ctx),
			store.WithTimeout(time.Duration(cfg.Loader.TimeoutMs)*time.Millisecond),
			store.WithMaxInFlight(cfg.Loader.MaxInFlight),
		),
		engine.WithMetrics(metricsReg),
		engine.WithLogger(logger),
	)
	if cfg.Viewer.Enabled {
		v = viewer.New(eng, l, metricsReg, logger)
	}

	g, gctx := errgroup.WithContext(ctx)

	// ── 5. Viewer control surface ────────────────────────────────────────────
	if v != nil {
		addr := fmt.Sprintf("%s:%d", cfg.Viewer.Host, cfg.Viewer.Port)
		g.Go(func() error {
			slog.Info("viewer listening", "addr", addr)
			if err := v.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("viewer: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return v.Shutdown(shutCtx)
		})
	}

	// ── 6. Dedicated Prometheus metrics listener ─────────────────────────────
	if cfg.Metrics.Enabled {
		metricsSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           metricsReg.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("metrics server error", "err", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return metricsSrv.Close()
		})
	}

	// ── 7. Play ──────────────────────────────────────────────────────────────
	l.Post(eng.Boot)

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.Call(closeCtx, eng.Close); err != nil {
			slog.Warn("engine close error", "err", err)
		}
		if file != nil {
			_ = file.Close()
		}
		return nil
	})

	err = g.Wait()
	slog.Info("lapse stopped")
	return err
}
