package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"pullbackbot/config"
	"pullbackbot/internal/adapters/logger"
	"pullbackbot/internal/adapters/tradelog"
	"pullbackbot/internal/domain"
	"pullbackbot/internal/indicators"
	"pullbackbot/internal/signal"
	"pullbackbot/internal/stats"
	"pullbackbot/internal/trailing"
	"pullbackbot/internal/utils"
)

// Replays a candle CSV through the pullback detector and the protective stop
// engines, reporting what the chosen ladders would have done. Entries fill at
// the signal candle's close; fees and slippage are not modeled.

// Same trailing window the live loops use for local indicator fallback.
const indicatorWindow = 50

var (
	input        = flag.String("input", "", "candle CSV produced by cmd/fetch_candles (required)")
	rsiPeriod    = flag.Int("rsi-period", 4, "oscillator period")
	confirmTicks = flag.Int("confirm", 3, "confirmation samples required before a signal fires")
	distinct     = flag.Bool("distinct", true, "require distinct oscillator values between confirmation samples")
	ladder       = flag.String("ladder", "standard", "exit ladder protecting entries: standard or vigilance")
	quantity     = flag.Float64("quantity", 0.001, "base-asset quantity per simulated entry")
	withAdaptive = flag.Bool("adaptive", true, "run the volatility stop alongside the tiered ladder")
	atrPeriod    = flag.Int("atr-period", 4, "volatility period for the adaptive stop")
	atrMult      = flag.Float64("atr-mult", 1.8, "volatility multiplier for the adaptive stop")
	journalOut   = flag.String("journal", "", "optional CSV path for the simulated trades")
)

func main() {
	flag.Parse()
	if *input == "" {
		flag.Usage()
		log.Fatal("missing -input")
	}

	exitTiers, err := exitLadder(*ladder)
	if err != nil {
		log.Fatalf("invalid -ladder: %v", err)
	}
	entryTiers, err := config.DefaultEntryTiers()
	if err != nil {
		log.Fatalf("entry ladder: %v", err)
	}

	candles, err := utils.ReadCandlesFromCSV(*input)
	if err != nil {
		log.Fatalf("loading candles: %v", err)
	}
	if len(candles) <= *rsiPeriod+1 {
		log.Fatalf("need more than %d candles to warm up the oscillator, got %d", *rsiPeriod+1, len(candles))
	}

	res, err := run(candles, simConfig{
		entryTiers: entryTiers,
		exitTiers:  exitTiers,
		rsiPeriod:  *rsiPeriod,
		confirm:    *confirmTicks,
		distinct:   *distinct,
		quantity:   *quantity,
		adaptive:   *withAdaptive,
		atrPeriod:  *atrPeriod,
		atrMult:    *atrMult,
	})
	if err != nil {
		log.Fatalf("replay failed: %v", err)
	}

	fmt.Printf("Replayed %d %s candles for %s (%s ladder, %d oscillator samples)\n\n",
		len(candles), candles[0].Interval, candles[0].Symbol, *ladder, res.samples)

	if len(res.trades) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "OPENED\tCLOSED\tENTRY\tEXIT\tPNL\tPNL%\tHELD\tREASON")
		for _, trade := range res.trades {
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\t%.4f\t%.2f\t%s\t%s\n",
				trade.OpenedAt.Format(time.RFC3339), trade.ClosedAt.Format(time.RFC3339),
				trade.EntryPrice, trade.ExitPrice, trade.PNL, trade.PNLPercent,
				trade.Duration().Round(time.Second), trade.CloseReason)
		}
		w.Flush()
		fmt.Println()
	}

	fmt.Println(res.tracker.Format())

	if res.openAtEnd != nil {
		fmt.Printf("Position still open at end of data: entry %.2f, unrealized PnL %.4f at close %.2f\n",
			res.openAtEnd.EntryPrice, res.openAtEnd.ProfitAt(res.lastClose), res.lastClose)
	}

	if *journalOut != "" {
		if err := writeJournal(*journalOut, res.trades); err != nil {
			log.Fatalf("writing journal: %v", err)
		}
		fmt.Printf("Saved %d trades to %s\n", len(res.trades), *journalOut)
	}
}

func exitLadder(name string) (domain.TierTable, error) {
	switch name {
	case "standard":
		return config.DefaultExitTiers()
	case "vigilance":
		return config.DefaultVigilanceTiers()
	default:
		return domain.TierTable{}, fmt.Errorf("unknown ladder %q (want standard or vigilance)", name)
	}
}

func writeJournal(path string, trades []domain.Trade) error {
	journal, err := tradelog.New(tradelog.Config{Path: path, Logger: logger.NewStdLogger(logger.LevelWarn)})
	if err != nil {
		return err
	}
	defer journal.Close()

	ctx := context.Background()
	for _, trade := range trades {
		if err := journal.Append(ctx, trade); err != nil {
			return err
		}
	}
	return nil
}

type simConfig struct {
	entryTiers domain.TierTable
	exitTiers  domain.TierTable
	rsiPeriod  int
	confirm    int
	distinct   bool
	quantity   float64
	adaptive   bool
	atrPeriod  int
	atrMult    float64
}

type simResult struct {
	tracker   *stats.Tracker
	trades    []domain.Trade
	openAtEnd *domain.Position
	lastClose float64
	samples   int
}

func (r *simResult) close(pos *domain.Position, exitPrice float64, closedAt time.Time, reason domain.CloseReason) {
	trade := domain.TradeFromPosition(pos, exitPrice, closedAt, reason)
	r.tracker.Record(trade)
	r.trades = append(r.trades, trade)
}

// run walks the candles once, mirroring the live loops: while no position is
// open each close feeds the detector, while one is open each close runs the
// protection pass with the tiered ladder evaluated before the adaptive stop.
func run(candles []*domain.Candle, cfg simConfig) (*simResult, error) {
	symbol := candles[0].Symbol
	det, err := signal.New(signal.Config{
		Symbol:        symbol,
		Tiers:         cfg.entryTiers,
		ConfirmTicks:  cfg.confirm,
		DistinctTicks: cfg.distinct,
	})
	if err != nil {
		return nil, err
	}
	rsi := indicators.NewRSI(indicators.RSIConfig{IndicatorConfig: indicators.IndicatorConfig{Period: cfg.rsiPeriod}})
	atr := indicators.NewATR(indicators.ATRConfig{IndicatorConfig: indicators.IndicatorConfig{Period: cfg.atrPeriod}})

	res := &simResult{tracker: stats.NewTracker()}
	ctx := context.Background()

	var pos *domain.Position
	var stop *trailing.Stop
	var adaptiveStop *trailing.AdaptiveStop
	var nextID int64

	for i, candle := range candles {
		price := candle.Close
		res.lastClose = price
		lo := i + 1 - indicatorWindow
		if lo < 0 {
			lo = 0
		}
		window := candles[lo : i+1]

		if pos != nil {
			if sellPrice, triggered := stop.Update(price); triggered {
				res.close(pos, sellPrice, candle.CloseTime, domain.CloseReasonTieredStop)
				pos, stop, adaptiveStop = nil, nil, nil
				continue
			}
			if adaptiveStop != nil {
				volatility, aerr := atr.Calculate(ctx, window)
				if aerr != nil {
					volatility = 0 // warming up; the adaptive stop skips the cycle
				}
				if _, triggered := adaptiveStop.Update(price, volatility); triggered {
					res.close(pos, price, candle.CloseTime, domain.CloseReasonAdaptiveStop)
					pos, stop, adaptiveStop = nil, nil, nil
				}
			}
			continue
		}

		value, rerr := rsi.Calculate(ctx, window)
		if rerr != nil {
			continue // oscillator warming up
		}
		res.samples++

		signalPrice, fired := det.Update(value, price)
		if !fired {
			continue
		}

		nextID++
		pos = &domain.Position{
			ID:         nextID,
			Symbol:     symbol,
			EntryPrice: signalPrice,
			Quantity:   cfg.quantity,
			TotalCost:  signalPrice * cfg.quantity,
			OrderID:    nextID,
			OpenedAt:   candle.CloseTime,
			Status:     domain.StatusOpen,
		}
		stop, err = trailing.NewStop(signalPrice, cfg.exitTiers)
		if err != nil {
			return nil, err
		}
		if cfg.adaptive {
			// A closed candle at or below the level already spans a full
			// interval, so the replay needs no extra dwell.
			adaptiveStop, err = trailing.NewAdaptiveStop(signalPrice, cfg.atrMult, 0)
			if err != nil {
				return nil, err
			}
		}
		// The consumed signal must not linger, same as the live fill path.
		det.Abort()
	}

	res.openAtEnd = pos
	return res, nil
}
