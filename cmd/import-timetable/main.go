package main

import (
	"context"
	"log"
	"os"
	"time"

	_ "time/tzdata"

	"github.com/spf13/pflag"

	"github.com/hzpp-delays/poller/internal/config"
	"github.com/hzpp-delays/poller/internal/db"
	"github.com/hzpp-delays/poller/internal/static"
)

func main() {
	// Command line flags
	configFile := pflag.String("config", "", "YAML config file (overrides CONFIG_FILE)")
	date := pflag.String("date", "", "service day to import as YYYY-MM-DD (default today)")
	days := pflag.Int("days", 1, "number of consecutive service days to import")
	pflag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if *configFile != "" {
		os.Setenv("CONFIG_FILE", *configFile)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	first := time.Now().In(cfg.Location())
	if *date != "" {
		first, err = time.ParseInLocation("2006-01-02", *date, cfg.Location())
		if err != nil {
			log.Fatalf("Invalid --date %q: %v", *date, err)
		}
	}
	if *days < 1 {
		log.Fatalf("--days must be at least 1")
	}

	database, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}
	log.Printf("Connected to database (%s)", cfg.DatabaseDriver)

	importer := static.NewImporter(cfg, database)
	failed := 0
	for i := 0; i < *days; i++ {
		day := first.AddDate(0, 0, i)
		summary, err := importer.Import(ctx, day)
		if err != nil {
			log.Printf("ERROR importing %s: %v", day.Format("2006-01-02"), err)
			failed++
			continue
		}
		log.Printf("SUCCESS: %s imported (%d routes)", summary.ServiceDay, summary.Routes)
	}

	if failed > 0 {
		os.Exit(1)
	}
}
