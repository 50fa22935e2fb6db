// Command umdf-ui serves the UMDF container backend for the browser UI:
// session lifecycle, module authoring and retrieval, frame previews and
// streaming, plus an optional Prometheus exporter.
//
// Usage:
//
//	umdf-ui -config config.yaml
//	umdf-ui -check
//
// The -check flag probes a running instance's health endpoint and exits,
// so container orchestrators can reuse the binary as a liveness probe.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/pkg/config"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/pkg/httputil"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/catalog"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/credentials"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/engine/memengine"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/logger"
	metrics "github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/metrics/prometheus"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/schemas"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/session"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/storage"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/storage/local"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/telemetry"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/version"
	apiserver "github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/server/api"
)

const (
	shutdownGrace = 10 * time.Second
	probeTimeout  = 5 * time.Second
	sweepInterval = time.Hour
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a YAML config file")
	check := flag.Bool("check", false, "probe a running instance and exit")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetVersionInfo())
		return 0
	}

	// A local .env is a development convenience; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.CommonFields)
	logger.Info("starting umdf-ui", version.GetBuildInfo()...)

	if *check {
		return probe(cfg.Server.Addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName)
		if err != nil {
			logger.Error("initializing telemetry", "error", err)
			return 1
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	srv, uploads, cleanup, err := buildServer(cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer cleanup()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("api listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	var exporter *metrics.Exporter
	if cfg.Metrics.Enabled {
		exporter = metrics.NewExporter(cfg.Metrics.Addr)
		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := exporter.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics exporter: %w", err)
			}
			return nil
		})
	}

	// Staged uploads are removed when their session closes, but crashes
	// and abandoned tabs leave orphans behind. Sweep them periodically.
	if maxAge := cfg.Storage.SweepAfterDuration(); maxAge > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if n, err := uploads.Sweep(gctx, maxAge); err != nil {
						logger.Warn("sweeping stale uploads", "error", err)
					} else if n > 0 {
						logger.Info("swept stale uploads", "removed", n)
					}
				}
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown", "error", err)
		}
		if exporter != nil {
			if err := exporter.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics shutdown", "error", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("exiting", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// buildServer wires the engine, session coordinator, staging store,
// catalog, and schema registry into the HTTP server. The staging store
// is also returned for the upload sweeper. The returned cleanup
// releases the catalog backend and is safe to call once.
func buildServer(cfg *config.Config) (*apiserver.Server, storage.Service, func(), error) {
	eng := memengine.New(memengine.WithWriterReads(cfg.Engine.WriterReads))
	creds := credentials.NewStore()
	coordinator := session.NewCoordinator(eng, creds)

	uploads, err := local.NewStore(local.Config{BaseDir: cfg.Storage.Dir})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("staging store: %w", err)
	}

	registry, err := schemas.Load(cfg.Schemas.Dir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("schema registry: %w", err)
	}
	logger.Info("schema registry loaded", "dir", cfg.Schemas.Dir, "schemas", len(registry.List()))

	cat, closeCatalog := newCatalog(cfg)

	srv := apiserver.NewServer(apiserver.Deps{
		Coordinator: coordinator,
		Credentials: creds,
		Uploads:     uploads,
		Catalog:     cat,
		Schemas:     registry,
	},
		apiserver.WithAddr(cfg.Server.Addr),
		apiserver.WithUploadMaxBytes(cfg.Server.UploadMaxBytes),
		apiserver.WithUploadRate(cfg.Server.UploadsPerMinute, cfg.Server.UploadBurst),
	)
	return srv, uploads, closeCatalog, nil
}

// newCatalog returns the configured catalog backend and a release func.
func newCatalog(cfg *config.Config) (catalog.Catalog, func()) {
	if cfg.Catalog.Backend != config.CatalogRedis {
		return catalog.NewMemoryCatalog(), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Catalog.Redis.Addr,
		Password: cfg.Catalog.Redis.Password,
		DB:       cfg.Catalog.Redis.DB,
	})
	opts := []catalog.RedisOption{
		catalog.WithTTL(cfg.Catalog.Redis.TTLDuration(24 * time.Hour)),
	}
	if prefix := cfg.Catalog.Redis.Prefix; prefix != "" {
		opts = append(opts, catalog.WithPrefix(prefix))
	}
	logger.Info("using redis catalog", "addr", cfg.Catalog.Redis.Addr)
	return catalog.NewRedisCatalog(client, opts...), func() {
		if err := client.Close(); err != nil {
			logger.Warn("closing redis client", "error", err)
		}
	}
}

// probe hits the health endpoint of a running instance.
func probe(addr string) int {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	client := httputil.NewHTTPClient(probeTimeout)
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, "unexpected status:", resp.Status)
		return 1
	}
	fmt.Println("ok")
	return 0
}
