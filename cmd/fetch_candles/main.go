package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"pullbackbot/config"
	"pullbackbot/internal/adapters/binanceclient"
	"pullbackbot/internal/adapters/logger"
	"pullbackbot/internal/utils"
)

// Fetches recent candles from Binance and saves them as a CSV that
// cmd/replay can feed back through the signal and stop logic.
var (
	symbol   = flag.String("symbol", "", "trading pair to fetch (default: first configured symbol)")
	interval = flag.String("interval", "1m", "candle interval")
	limit    = flag.Int("limit", 1000, "number of candles to fetch (max 1000)")
	out      = flag.String("out", "", "output CSV path (default: data/<symbol>_<interval>_<from>_to_<to>.csv)")
)

func main() {
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)

	// 3. Initialize Exchange Client (Binance Adapter)
	client, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	pair := *symbol
	if pair == "" {
		pair = cfg.Symbols[0]
	}
	if *limit < 1 || *limit > 1000 {
		log.Fatalf("FATAL: -limit must be between 1 and 1000")
	}

	ctx := context.Background()
	appLogger.Info(ctx, "Fetching candles", map[string]interface{}{"symbol": pair, "interval": *interval, "limit": *limit})

	candles, err := client.FetchOHLCV(ctx, pair, *interval, *limit)
	if err != nil {
		appLogger.Error(ctx, err, "Error fetching candles")
		log.Fatalf("Error fetching candles: %v", err)
	}
	if len(candles) == 0 {
		log.Fatalf("Exchange returned no candles for %s %s", pair, *interval)
	}
	appLogger.Info(ctx, "Fetched candles", map[string]interface{}{"count": len(candles)})

	filename := *out
	if filename == "" {
		first := candles[0].OpenTime.Format("20060102")
		last := candles[len(candles)-1].CloseTime.Format("20060102")
		filename = fmt.Sprintf("data/%s_%s_%s_to_%s.csv", pair, *interval, first, last)
	}
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Error creating output directory %s: %v", dir, err)
		}
	}

	if err := utils.WriteCandlesToCSV(candles, filename); err != nil {
		appLogger.Error(ctx, err, "Error writing CSV")
		log.Fatalf("Error writing CSV: %v", err)
	}
	appLogger.Info(ctx, "Saved candles", map[string]interface{}{"filename": filename, "count": len(candles)})
}
