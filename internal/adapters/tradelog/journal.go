package tradelog

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"pullbackbot/internal/domain"
	"pullbackbot/internal/ports"
)

var header = []string{
	"opened_at", "closed_at", "symbol", "position_id",
	"entry_price", "exit_price", "quantity",
	"pnl", "pnl_percent", "duration_min", "close_reason",
}

// Journal implements ports.TradeJournal as an append-only CSV file. Each
// completed trade becomes one row; the header is written once when the file
// is created.
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	logger ports.Logger
	path   string
}

// Config holds configuration for the CSV trade journal.
type Config struct {
	Path   string
	Logger ports.Logger
}

// New opens (or creates) the journal file in append mode.
func New(cfg Config) (*Journal, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for trade journal")
	}
	path := cfg.Path
	if path == "" {
		path = "./data/trades.csv" // Default path
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory '%s': %w", filepath.Dir(path), err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file '%s': %w", path, err)
	}

	j := &Journal{
		file:   file,
		writer: csv.NewWriter(file),
		logger: cfg.Logger,
		path:   path,
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat journal file '%s': %w", path, err)
	}
	if info.Size() == 0 {
		if err := j.writer.Write(header); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write journal header: %w", err)
		}
		j.writer.Flush()
		if err := j.writer.Error(); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to flush journal header: %w", err)
		}
	}

	cfg.Logger.Info(context.Background(), "Trade journal opened", map[string]interface{}{"path": path})
	return j, nil
}

// Append writes one completed trade and flushes it to disk.
func (j *Journal) Append(ctx context.Context, trade domain.Trade) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	row := []string{
		trade.OpenedAt.Format(time.RFC3339),
		trade.ClosedAt.Format(time.RFC3339),
		trade.Symbol,
		strconv.FormatInt(trade.PositionID, 10),
		strconv.FormatFloat(trade.EntryPrice, 'f', -1, 64),
		strconv.FormatFloat(trade.ExitPrice, 'f', -1, 64),
		strconv.FormatFloat(trade.Quantity, 'f', -1, 64),
		strconv.FormatFloat(trade.PNL, 'f', -1, 64),
		strconv.FormatFloat(trade.PNLPercent, 'f', -1, 64),
		strconv.FormatFloat(trade.Duration().Minutes(), 'f', 2, 64),
		string(trade.CloseReason),
	}

	if err := j.writer.Write(row); err != nil {
		return fmt.Errorf("failed to write trade row for %s: %w", trade.Symbol, err)
	}
	j.writer.Flush()
	if err := j.writer.Error(); err != nil {
		return fmt.Errorf("failed to flush trade row for %s: %w", trade.Symbol, err)
	}

	j.logger.Debug(ctx, "Trade journaled", map[string]interface{}{"symbol": trade.Symbol, "pnl": trade.PNL})
	return nil
}

// Close flushes pending rows and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.writer.Flush()
	if err := j.writer.Error(); err != nil {
		j.file.Close()
		return fmt.Errorf("failed to flush journal on close: %w", err)
	}
	return j.file.Close()
}
