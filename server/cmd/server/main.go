package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/apexcomponents/andonstack/pkg/ingest"
	"github.com/apexcomponents/andonstack/server/internal/alerts"
	"github.com/apexcomponents/andonstack/server/internal/api"
	"github.com/apexcomponents/andonstack/server/internal/auth"
	"github.com/apexcomponents/andonstack/server/internal/config"
	"github.com/apexcomponents/andonstack/server/internal/flow"
	"github.com/apexcomponents/andonstack/server/internal/metrics"
	"github.com/apexcomponents/andonstack/server/internal/notify"
	"github.com/apexcomponents/andonstack/server/internal/receiver"
	"github.com/apexcomponents/andonstack/server/internal/report"
	"github.com/apexcomponents/andonstack/server/internal/rules"
	"github.com/apexcomponents/andonstack/server/internal/store"
	"github.com/apexcomponents/andonstack/server/internal/ws"
)

const hubInterval = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	uiDir := flag.String("ui-dir", "", "serve the dashboard static files from this directory; leave empty to disable")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("andon-server starting", "config", *configPath)

	if err := run(*configPath, *uiDir); err != nil {
		slog.Error("andon-server failed", "err", err)
		os.Exit(1)
	}
	slog.Info("andon-server stopped")
}

func run(configPath, uiDir string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	sc := cfg.Server

	slog.Info("config loaded",
		"grpc_port", sc.GRPCPort,
		"http_port", sc.HTTPPort,
		"auth_mode", sc.Auth.Mode,
		"machine_ttl", sc.Machines.TTL,
		"storage", sc.Storage.Backend,
	)

	registry, err := rules.FromConfig(sc.Alerts)
	if err != nil {
		return fmt.Errorf("build rules: %w", err)
	}
	slog.Info("rules registered", "count", registry.Len())

	alertStore, closeStore, err := openAlertStore(sc.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	machines := store.NewMachines(sc.Machines.TTL)
	m := metrics.New()
	dispatcher := notify.New(sc.Alerts)
	engine := alerts.NewEngine(alerts.NewEvaluator(registry), alertStore, dispatcher, m)

	tracker := flow.NewTracker(sc.Flow.Window)
	analyzer, err := flow.NewAnalyzer(sc.Flow, tracker)
	if err != nil {
		return fmt.Errorf("flow config: %w", err)
	}

	hub := ws.New(machines, engine, hubInterval)
	dispatcher.AddSink(hub)

	recv := receiver.New(machines, tracker, engine, m)

	reporter := report.New(analyzer, m.ObserveReport, dispatcher.Report)
	if err := reporter.SetSchedule(sc.Flow.Schedule); err != nil {
		return err
	}

	// gRPC ingest with optional API key authentication.
	interceptor := auth.APIKeyInterceptor(sc.Auth.Mode, sc.Auth.EffectiveHeader(), sc.Auth.Key())
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(interceptor))
	ingest.RegisterTelemetryServer(grpcSrv, recv)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", sc.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen on gRPC port %d: %w", sc.GRPCPort, err)
	}

	// Combined HTTP server: REST API, WebSocket hub and metrics on HTTPPort.
	requireKey := auth.Middleware(sc.Auth.Mode, sc.Auth.EffectiveHeader(), sc.Auth.Key(), "/api/v1/health")
	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", requireKey(api.New(machines, engine, analyzer, recv)))
	httpMux.Handle("/ws/stream", hub)
	httpMux.Handle("/metrics", m.Handler())
	if uiDir != "" {
		httpMux.Handle("/", spaHandler(uiDir))
		slog.Info("serving dashboard static files", "dir", uiDir)
	}
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", sc.HTTPPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { machines.Run(gctx); return nil })
	g.Go(func() error { dispatcher.Run(gctx); return nil })
	g.Go(func() error { hub.Run(gctx); return nil })
	g.Go(func() error { reporter.Run(gctx); return nil })

	g.Go(func() error {
		slog.Info("gRPC receiver listening", "port", sc.GRPCPort)
		if err := grpcSrv.Serve(lis); err != nil {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("HTTP server listening", "port", sc.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		err := config.Watch(gctx, configPath, func(next *config.Config) {
			applyReload(next.Server, registry, analyzer, dispatcher, reporter)
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "path", configPath, "err", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("andon-server shutting down")
		grpcSrv.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openAlertStore returns the configured alert persistence and its closer.
func openAlertStore(cfg config.StorageConfig) (alerts.Store, func(), error) {
	switch cfg.Backend {
	case "sqlite":
		s, err := store.OpenSQLiteAlerts(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("alert store opened", "backend", "sqlite", "path", cfg.Path)
		return s, func() {
			if err := s.Close(); err != nil {
				slog.Error("alert store close failed", "err", err)
			}
		}, nil
	default:
		return store.NewMemoryAlerts(cfg.HistoryLimit), func() {}, nil
	}
}

// applyReload hot-swaps flow settings, webhook targets and the report
// schedule. The rule registry lives for the process, so rule changes are
// only reported.
func applyReload(sc config.ServerConfig, registry *rules.Registry, analyzer *flow.Analyzer, dispatcher *notify.Dispatcher, reporter *report.Reporter) {
	if err := analyzer.Reload(sc.Flow); err != nil {
		slog.Error("flow reload rejected, keeping previous settings", "err", err)
	}
	dispatcher.Reload(sc.Alerts)
	if err := reporter.SetSchedule(sc.Flow.Schedule); err != nil {
		slog.Error("report schedule rejected", "err", err)
	}

	next, err := rules.FromConfig(sc.Alerts)
	if err != nil {
		slog.Warn("reloaded rules are invalid; restart will fail until fixed", "err", err)
		return
	}
	if !slices.Equal(next.Definitions(), registry.Definitions()) {
		slog.Warn("rule changes detected; restart andon-server to apply them",
			"running", registry.Len(), "configured", next.Len())
	}
}

// spaHandler serves static files from dir and falls back to index.html for
// unknown paths so client-side routing works.
func spaHandler(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := os.Stat(dir + r.URL.Path); os.IsNotExist(err) {
			http.ServeFile(w, r, dir+"/index.html")
			return
		}
		fs.ServeHTTP(w, r)
	})
}
