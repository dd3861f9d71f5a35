package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/apexcomponents/andonstack/agent/internal/config"
	"github.com/apexcomponents/andonstack/agent/internal/scraper"
	"github.com/apexcomponents/andonstack/agent/internal/shipper"
)

const statsInterval = time.Minute

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("andon-agent starting", "config", *configPath)

	if err := run(*configPath); err != nil {
		slog.Error("andon-agent failed", "err", err)
		os.Exit(1)
	}
	slog.Info("andon-agent stopped")
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ac := cfg.Agent
	slog.Info("config loaded",
		"agent_id", ac.ID,
		"server_endpoint", ac.ServerEndpoint,
		"sources", len(ac.Sources),
		"scrape_interval", ac.ScrapeInterval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Server endpoint, auth and buffer sizes are fixed for the process;
	// sources are rebuilt on reload.
	ship := shipper.New(ac)
	sources := &sourceSet{emit: ship.Ship}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ship.Run(gctx)
		return nil
	})

	g.Go(func() error {
		sources.start(gctx, ac)
		<-gctx.Done()
		sources.stop()
		return nil
	})

	g.Go(func() error {
		err := config.Watch(gctx, configPath, func(updated *config.Config) {
			applyReload(gctx, ac, updated.Agent, sources)
		})
		if err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
		return nil
	})

	g.Go(func() error {
		t := time.NewTicker(statsInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				logStats(ship.Stats())
				return nil
			case <-t.C:
				logStats(ship.Stats())
			}
		}
	})

	return g.Wait()
}

func logStats(st shipper.Stats) {
	slog.Info("shipper stats",
		"shipped", st.Shipped,
		"rejected", st.Rejected,
		"evicted", st.Evicted,
		"pending", st.Pending,
	)
}

// applyReload restarts the sources when their definitions or the scrape
// interval changed. Other settings take effect on restart only.
func applyReload(ctx context.Context, current, updated config.AgentConfig, sources *sourceSet) {
	if updated.ServerEndpoint != current.ServerEndpoint ||
		updated.BufferSize != current.BufferSize ||
		updated.BatchSize != current.BatchSize ||
		!reflect.DeepEqual(updated.ServerAuth, current.ServerAuth) {
		slog.Warn("config reload: server settings changed, restart the agent to apply them")
	}
	if sources.sameAs(updated) {
		return
	}
	slog.Info("config reload: restarting sources", "sources", len(updated.Sources))
	sources.stop()
	sources.start(ctx, updated)
}

// sourceSet runs every configured source and can be swapped on reload.
type sourceSet struct {
	emit scraper.Emit

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	defs     []config.Source
	interval time.Duration
}

func (s *sourceSet) start(ctx context.Context, ac config.AgentConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.defs = ac.Sources
	s.interval = ac.ScrapeInterval

	started := 0
	for _, def := range ac.Sources {
		def := def // per-iteration copy; keeps Go 1.22 loop-variable semantics under go 1.21
		src, err := scraper.New(def, ac.ScrapeInterval)
		if err != nil {
			slog.Error("skipping source, could not build it", "source", def.ID, "err", err)
			continue
		}
		started++
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			slog.Info("source started", "id", src.ID(), "type", def.Type, "endpoint", def.Endpoint)
			if err := src.Run(runCtx, s.emit); err != nil {
				slog.Error("source stopped", "id", src.ID(), "err", err)
			}
		}()
	}
	if started == 0 {
		slog.Warn("no sources running, agent will idle")
	}
}

func (s *sourceSet) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *sourceSet) sameAs(ac config.AgentConfig) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval == ac.ScrapeInterval && reflect.DeepEqual(s.defs, ac.Sources)
}
