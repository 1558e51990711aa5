// Command lapse-server serves a directory of timelapse frames: the sorted
// manifest at /images and per-tier renditions at /image/{tier}/{key}.
//
// Usage:
//
//	lapse-server [--config path/to/config.yaml] [--id ULID]
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
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/lapse/internal/catalog"
	"github.com/snehjoshi/lapse/internal/config"
	"github.com/snehjoshi/lapse/internal/ident"
	"github.com/snehjoshi/lapse/internal/library"
	"github.com/snehjoshi/lapse/internal/metrics"
	transphttp "github.com/snehjoshi/lapse/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "lapse-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	idOverride := flag.String("id", "auto", "instance ULID override")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Instance identity ─────────────────────────────────────────────────
	inst, err := ident.Open(cfg.Server.DataDir, *idOverride)
	if err != nil {
		return fmt.Errorf("init identity: %w", err)
	}

	slog.Info("lapse-server starting",
		"node_id", inst.ID(),
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"image_dir", cfg.Server.ImageDir,
		"data_dir", inst.DataDir(),
	)

	// ── 4. Rendition catalog + image library ─────────────────────────────────
	cat, err := catalog.Open(filepath.Join(cfg.Server.DataDir, "catalog.db"))
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer func() {
		if err := cat.Close(); err != nil {
			slog.Warn("catalog close error", "err", err)
		}
	}()

	metricsReg := &metrics.Registry{}

	lib, err := library.Open(cfg.Server.ImageDir,
		library.WithCatalog(cat),
		library.WithMetrics(metricsReg),
		library.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("open image library: %w", err)
	}
	slog.Info("image library loaded", "frames", lib.Len())

	// ── 5. HTTP transport ────────────────────────────────────────────────────
	srv := transphttp.New(lib, cfg, inst.ID(), metricsReg)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("lapse-server ready", "node_id", inst.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// ── 6. Watch the image directory ─────────────────────────────────────────
	if cfg.Server.Watch {
		g.Go(func() error { return lib.Watch(ctx) })
	}

	// ── 7. Dedicated Prometheus metrics listener ─────────────────────────────
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
			<-ctx.Done()
			return metricsSrv.Close()
		})
	}

	// ── 8. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		// Give in-flight requests 5 seconds to complete.
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("server shutdown error", "err", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("lapse-server stopped")
	return err
}
