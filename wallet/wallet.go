package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/elnosh/nutmelt/lightning"
	"github.com/elnosh/nutmelt/wallet/client"
	"github.com/elnosh/nutmelt/wallet/storage"
	"github.com/elnosh/nutmelt/wallet/storage/postgres"
	"github.com/elnosh/nutmelt/wallet/storage/sqlite"
)

type Wallet struct {
	db              storage.DB
	client          *client.MintClient
	lightningClient lightning.Client

	feeRounds   int
	concurrency int
	invoiceMemo string

	logger *slog.Logger
}

func InitStorage(config Config) (storage.DB, error) {
	switch config.Storage {
	case BoltStorage, "":
		return storage.InitBolt(config.WalletPath)
	case SQLiteStorage:
		return sqlite.InitSQLite(config.WalletPath)
	case PostgresStorage:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return postgres.InitPostgres(ctx, config.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage type '%v'", config.Storage)
	}
}

func LoadWallet(config Config) (*Wallet, error) {
	if config.LightningClient == nil {
		return nil, errors.New("lightning client is required to create invoices")
	}

	feeRounds := config.FeeRounds
	if feeRounds == 0 {
		feeRounds = DefaultFeeRounds
	}
	if feeRounds < 0 || feeRounds > MaxFeeRounds {
		return nil, fmt.Errorf("fee rounds must be between 1 and %v", MaxFeeRounds)
	}

	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	invoiceMemo := config.InvoiceMemo
	if len(invoiceMemo) == 0 {
		invoiceMemo = lightning.DefaultMemo
	}

	db, err := InitStorage(config)
	if err != nil {
		return nil, fmt.Errorf("InitStorage: %v", err)
	}

	wallet := &Wallet{
		db:              db,
		client:          client.New(config.MintTimeout),
		lightningClient: config.LightningClient,
		feeRounds:       feeRounds,
		concurrency:     concurrency,
		invoiceMemo:     invoiceMemo,
		logger:          setupLogger(config.LogLevel),
	}

	return wallet, nil
}

func setupLogger(level LogLevel) *slog.Logger {
	var handler slog.Handler
	switch level {
	case Disable:
		handler = slog.NewTextHandler(io.Discard, nil)
	case Debug:
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{AddSource: true, Level: slog.LevelDebug})
	default:
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{AddSource: true, Level: slog.LevelInfo})
	}
	return slog.New(handler)
}

func (w *Wallet) Shutdown() error {
	return w.db.Close()
}

// MeltRecord returns the journal record of the melt summary with the id.
func (w *Wallet) MeltRecord(id string) (*storage.MeltRecord, error) {
	record, err := w.db.GetMeltRecord(id)
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			return nil, ErrSummaryNotFound
		}
		return nil, err
	}
	return record, nil
}

// LoadMeltSummary rebuilds a summary from its journal record. Only
// summaries that have not been executed or cancelled can be loaded.
func (w *Wallet) LoadMeltSummary(id string) (*MeltSummary, error) {
	record, err := w.MeltRecord(id)
	if err != nil {
		return nil, err
	}
	if record.State != storage.MeltQuoted {
		return nil, fmt.Errorf("%w: summary is %v", ErrSummaryNotPending, record.State)
	}

	var summary MeltSummary
	if err := json.Unmarshal(record.Summary, &summary); err != nil {
		return nil, fmt.Errorf("error reading melt summary: %v", err)
	}
	return &summary, nil
}

func (w *Wallet) MeltRecords() ([]storage.MeltRecord, error) {
	return w.db.GetMeltRecords()
}

func (w *Wallet) logInfof(format string, args ...any) {
	w.log(slog.LevelInfo, format, args...)
}

func (w *Wallet) logWarnf(format string, args ...any) {
	w.log(slog.LevelWarn, format, args...)
}

func (w *Wallet) logErrorf(format string, args ...any) {
	w.log(slog.LevelError, format, args...)
}

func (w *Wallet) logDebugf(format string, args ...any) {
	w.log(slog.LevelDebug, format, args...)
}

func (w *Wallet) log(level slog.Level, format string, args ...any) {
	ctx := context.Background()
	if !w.logger.Enabled(ctx, level) {
		return
	}

	// skip runtime.Callers, this function and the log helper
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, fmt.Sprintf(format, args...), pcs[0])
	_ = w.logger.Handler().Handle(ctx, r)
}
