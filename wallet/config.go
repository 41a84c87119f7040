package wallet

import (
	"time"

	"github.com/elnosh/nutmelt/lightning"
)

type LogLevel int

const (
	Info LogLevel = iota
	Debug
	Disable
)

type StorageType string

const (
	BoltStorage     StorageType = "bolt"
	SQLiteStorage   StorageType = "sqlite"
	PostgresStorage StorageType = "postgres"
)

const (
	DefaultFeeRounds = 1
	MaxFeeRounds     = 5
)

type Config struct {
	WalletPath  string
	Storage     StorageType
	PostgresDSN string
	// timeout for each request to a mint
	MintTimeout time.Duration
	// number of times the melt quote is requested again with the amount
	// reduced by the last fee reserve. Defaults to DefaultFeeRounds.
	FeeRounds int
	// max number of mints to negotiate quotes with at the same time
	Concurrency     int
	InvoiceMemo     string
	LightningClient lightning.Client
	LogLevel        LogLevel
}
