// Command marketsim runs the NPC marketplace simulation: a tick clock driving
// demand, contract evaluation, renewal, revenue and SLA health branches
// against a SQLite store, with an HTTP control surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/talgya/npc-market/internal/api"
	"github.com/talgya/npc-market/internal/bootstrap"
	"github.com/talgya/npc-market/internal/config"
	"github.com/talgya/npc-market/internal/demand"
	"github.com/talgya/npc-market/internal/engine"
	"github.com/talgya/npc-market/internal/entropy"
	"github.com/talgya/npc-market/internal/evaluator"
	"github.com/talgya/npc-market/internal/events"
	"github.com/talgya/npc-market/internal/ledger"
	"github.com/talgya/npc-market/internal/lifecycle"
	"github.com/talgya/npc-market/internal/metrics"
	"github.com/talgya/npc-market/internal/persistence"
	"github.com/talgya/npc-market/internal/revenue"
	"github.com/talgya/npc-market/internal/sla"
)

const eventBufferSize = 1000

func main() {
	configPath := flag.String("config", "", "path to a config file (yaml, toml or json)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	setupLogging(cfg.Log.SlogLevel())

	if err := run(cfg); err != nil {
		slog.Error("marketsim failed", "error", err)
		os.Exit(1)
	}
}

// setupLogging writes text to a terminal and JSON everywhere else.
func setupLogging(level slog.Level) {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

func run(cfg *config.Config) error {
	ctx := context.Background()
	slog.Info("NPC marketplace simulation starting",
		"seed", cfg.Sim.Seed,
		"clock", cfg.Clock.Interval,
		"intervals", fmt.Sprintf("%+v", cfg.Intervals),
	)

	// ── Database ──────────────────────────────────────────────────────
	if cfg.DB.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DB.Path), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := persistence.Open(cfg.DB.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	db.LogSummary(ctx)

	book, err := ledger.NewBook(db.Conn())
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	// ── Events ────────────────────────────────────────────────────────
	bus := events.NewBus(eventBufferSize)
	sinks := events.Fanout{bus}
	var kafkaSink *events.KafkaSink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink = events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		sinks = append(sinks, kafkaSink)
		slog.Info("kafka publishing enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// ── Market seed (first run only) ──────────────────────────────────
	sum, err := bootstrap.Seed(ctx, db, book, bootstrap.NewSpawner(cfg.Sim.Seed),
		cfg.Sim.BootstrapProviders, cfg.Sim.BootstrapNPCs, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("seed market: %w", err)
	}
	if sum.NPCs == 0 {
		slog.Info("existing market loaded, seeding skipped")
	}

	// ── Components ────────────────────────────────────────────────────
	src := entropy.Select(cfg.Sim.RandomOrgKey, cfg.Sim.Seed)
	lc := lifecycle.New(db)
	gen := demand.NewGenerator(db, src, demand.Config{
		Probation:  cfg.Blacklist.Probation,
		RequestTTL: demand.DefaultConfig.RequestTTL,
	})
	eval := evaluator.New(db, book, lc, cfg.Blacklist.Probation)
	m := metrics.New()

	orch, err := engine.NewOrchestrator(engine.Deps{
		Store:     db,
		Demand:    gen,
		Evaluator: eval,
		Lifecycle: lc,
		Revenue:   revenue.NewProcessor(db, book),
		Sampler:   sla.NewSampler(src),
		Health:    cfg.Health.Policy(),
		Sink:      sinks,
		Metrics:   m,
	}, cfg.Intervals)
	if err != nil {
		return err
	}

	clock := engine.NewClock(orch.Snapshot, int64(cfg.Sim.Seed))
	clock.Subscribe(orch.HandleTick)
	var startTick uint64
	if s, err := db.GetMeta("last_tick"); err == nil {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			startTick = n
		}
	}
	clock.Resume(startTick)

	// ── HTTP API ──────────────────────────────────────────────────────
	if cfg.API.AdminKey == "" {
		slog.Warn("MARKETSIM_API_ADMIN_KEY not set, admin POST endpoints will be disabled")
	}
	srv := (&api.Server{
		Clock:      clock,
		Orch:       orch,
		Evaluator:  eval,
		Lifecycle:  lc,
		Store:      db,
		Bus:        bus,
		Metrics:    m,
		Port:       cfg.API.Port,
		AdminKey:   cfg.API.AdminKey,
		RelayKey:   cfg.API.RelayKey,
		TrustProxy: cfg.API.TrustProxy,
	}).Start()

	if cfg.Clock.Autostart {
		if err := clock.Start(cfg.Clock.Interval); err != nil {
			return err
		}
	}

	fmt.Printf("\nMarketplace is open: %s NPCs shopping across %s services.\n",
		humanize.Comma(int64(orch.Snapshot().ActiveNPCs)), humanize.Comma(int64(sum.Services)))
	fmt.Printf("API: http://localhost:%d/api/v1/status\n", cfg.API.Port)
	if startTick > 0 {
		fmt.Printf("Resuming from tick %s\n", humanize.Comma(int64(startTick)))
	}

	// ── Shutdown ──────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig)

	// The API goes first so no step can be dispatched after the clock drains.
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	clock.Stop()
	if err := db.SaveMeta("last_tick", strconv.FormatUint(clock.TickNumber(), 10)); err != nil {
		slog.Error("save last tick failed", "error", err)
	}
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			slog.Warn("kafka close", "error", err)
		}
	}

	st := orch.Status()
	slog.Info("simulation stopped",
		"ticks", humanize.Comma(int64(st.Counter)),
		"requests", humanize.Comma(int64(st.Totals.Requests)),
		"accepted", humanize.Comma(int64(st.Totals.Accepted)),
		"renewed", humanize.Comma(int64(st.Totals.Renewed)),
		"revenue", st.Totals.Revenue.StringFixed(2),
		"penalties", st.Totals.Penalties.StringFixed(2),
	)
	return nil
}
