package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "time/tzdata"

	"github.com/spf13/pflag"

	"github.com/hzpp-delays/poller/internal/config"
	"github.com/hzpp-delays/poller/internal/db"
	"github.com/hzpp-delays/poller/internal/delays"
)

// DelayExport is the file written per dimension
type DelayExport struct {
	Dimension   delays.Dimension   `json:"dimension"`
	GeneratedAt time.Time          `json:"generatedAt"`
	From        time.Time          `json:"from"`
	Windows     []delays.DelayStat `json:"windows"`
	Totals      []delays.DelayStat `json:"totals"`
}

func main() {
	configFile := pflag.String("config", "", "YAML config file (overrides CONFIG_FILE)")
	outputDir := pflag.String("output", "./exports", "Output directory for delay JSONs")
	days := pflag.Int("days", 7, "Number of days of observed runs to include")
	dimensions := pflag.StringSlice("dimension", []string{"station", "line", "region"}, "Dimensions to export")
	pflag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if *configFile != "" {
		os.Setenv("CONFIG_FILE", *configFile)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	dims := make([]delays.Dimension, 0, len(*dimensions))
	for _, name := range *dimensions {
		d, err := delays.ParseDimension(name)
		if err != nil {
			log.Fatalf("Invalid --dimension: %v", err)
		}
		dims = append(dims, d)
	}

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	database, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	regions, err := delays.LoadRegions(cfg.RegionsGeoJSON)
	if err != nil {
		log.Fatalf("Failed to load regions: %v", err)
	}

	from := time.Now().UTC().AddDate(0, 0, -*days)
	aggregator := delays.NewAggregator(regions)
	if err := aggregator.Rebuild(context.Background(), database, from); err != nil {
		log.Fatalf("Failed to rebuild delay statistics: %v", err)
	}

	exported := 0
	for _, d := range dims {
		filter := delays.Filter{Dimension: d, From: from}
		export := DelayExport{
			Dimension:   d,
			GeneratedAt: time.Now().UTC(),
			From:        from,
			Windows:     aggregator.Stats(filter),
			Totals:      aggregator.Totals(filter),
		}

		outPath := filepath.Join(*outputDir, fmt.Sprintf("delays_%s.json", d))
		if err := writeExport(export, outPath); err != nil {
			log.Printf("  Failed to export %s: %v", d, err)
			continue
		}
		log.Printf("  Exported %s: %d windows across %d keys", d, len(export.Windows), len(export.Totals))
		exported++
	}

	if exported == 0 {
		log.Printf("  WARNING: No delay statistics exported")
		os.Exit(1)
	}
}

func writeExport(export DelayExport, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}
