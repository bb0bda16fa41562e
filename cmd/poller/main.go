package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata"

	"github.com/spf13/pflag"

	"github.com/hzpp-delays/poller/internal/alerts"
	"github.com/hzpp-delays/poller/internal/config"
	"github.com/hzpp-delays/poller/internal/db"
	"github.com/hzpp-delays/poller/internal/delays"
	"github.com/hzpp-delays/poller/internal/engine"
	"github.com/hzpp-delays/poller/internal/handlers"
	"github.com/hzpp-delays/poller/internal/matcher"
	"github.com/hzpp-delays/poller/internal/metrics"
	"github.com/hzpp-delays/poller/internal/parser"
	"github.com/hzpp-delays/poller/internal/scheduler"
	"github.com/hzpp-delays/poller/internal/scrape"
	"github.com/hzpp-delays/poller/internal/static"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configFile := pflag.String("config", "", "YAML config file (overrides CONFIG_FILE)")
	once := pflag.Bool("once", false, "run a single cycle and exit")
	skipImport := pflag.Bool("skip-import", false, "do not refresh the timetable")
	pflag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("Starting HZPP delay poller...")

	if *configFile != "" {
		os.Setenv("CONFIG_FILE", *configFile)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded: scrape_interval=%v, workers=%d, timezone=%s",
		cfg.ScrapeInterval, cfg.WorkerLimit, cfg.Location())

	// ═══════════════════════════════════════════════════════
	// PHASE 1: Database
	// ═══════════════════════════════════════════════════════
	database, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("Failed to ensure database schema: %v", err)
	}
	log.Printf("Database initialized (%s)", cfg.DatabaseDriver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ═══════════════════════════════════════════════════════
	// PHASE 2: Timetable
	// ═══════════════════════════════════════════════════════
	importer := static.NewImporter(cfg, database)
	if !*skipImport {
		if _, err := importer.RefreshIfStale(ctx, time.Now()); err != nil {
			log.Printf("Warning: timetable refresh failed: %v", err)
		}
	}

	// ═══════════════════════════════════════════════════════
	// PHASE 3: Pipeline
	// ═══════════════════════════════════════════════════════
	regions, err := delays.LoadRegions(cfg.RegionsGeoJSON)
	if err != nil {
		log.Fatalf("Failed to load regions: %v", err)
	}
	aggregator := delays.NewAggregator(regions)
	if err := aggregator.Rebuild(ctx, database, time.Now().Add(-cfg.HistoryRetention)); err != nil {
		log.Printf("Warning: delay statistics rebuild failed: %v", err)
	}

	health := metrics.NewHealthRecorder(database, cfg.HistoryRetention)
	sched := scheduler.New(cfg, scheduler.Components{
		Store:      database,
		Fetcher:    scrape.NewClient(cfg),
		Parser:     parser.New(cfg.Location()),
		Matcher:    matcher.New(database, cfg.DisambiguationTolerance),
		Aggregator: aggregator,
		Evaluator:  alerts.NewEvaluator(database, database, alerts.LogSink{}, cfg.AlertCooldown, cfg.Location()),
		Health:     health,
	})

	if *once {
		report, err := sched.RunCycle(ctx)
		if err != nil {
			log.Fatalf("Cycle failed: %v", err)
		}
		if report.Status == "unhealthy" {
			os.Exit(1)
		}
		return
	}

	// ═══════════════════════════════════════════════════════
	// PHASE 4: Loops and HTTP
	// ═══════════════════════════════════════════════════════
	go sched.Run(ctx)
	if !*skipImport {
		go importer.Run(ctx)
	}

	eng := engine.New(database, sched, aggregator)
	router := handlers.NewRouter(
		handlers.NewHealthHandler(database, health, sched.Running),
		handlers.NewDelayHandler(eng),
	)
	server := handlers.NewServer(cfg.HealthAddr, router)
	go func() {
		log.Printf("HTTP listening on %s", cfg.HealthAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	log.Printf("Poller running (scrape every %v)", cfg.ScrapeInterval)

	// ═══════════════════════════════════════════════════════
	// PHASE 5: Graceful Shutdown
	// ═══════════════════════════════════════════════════════
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Printf("Scheduler shutdown: %v", err)
	}
	cancel()
	log.Println("Goodbye!")
}
