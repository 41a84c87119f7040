package storage

import (
	"errors"
	"time"
)

var ErrRecordNotFound = errors.New("melt record not found")

type MeltState string

const (
	MeltQuoted    MeltState = "quoted"
	MeltCancelled MeltState = "cancelled"
	MeltExecuting MeltState = "executing"
	MeltExecuted  MeltState = "executed"
	MeltFailed    MeltState = "failed"
)

// MeltRecord is the journal entry of a melt summary and, once
// executed, of its outcome.
type MeltRecord struct {
	Id    string    `json:"id"`
	State MeltState `json:"state"`
	// JSON of the melt summary
	Summary   []byte `json:"summary"`
	Requested uint64 `json:"requested"`
	Fees      uint64 `json:"fees"`
	Delivered uint64 `json:"delivered"`
	// index of the quote that failed, -1 if none did
	FailedAt  int       `json:"failed_at"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type DB interface {
	// SaveMeltRecord inserts the record or replaces the one with the same id.
	SaveMeltRecord(MeltRecord) error
	GetMeltRecord(id string) (*MeltRecord, error)
	// UpdateMeltState moves the record from state 'from' to 'to' in a single
	// operation. It returns false if the record was not in state 'from'.
	UpdateMeltState(id string, from, to MeltState, updatedAt time.Time) (bool, error)
	// GetMeltRecords returns all records, oldest first.
	GetMeltRecords() ([]MeltRecord, error)
	Close() error
}
