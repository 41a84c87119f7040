package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/elnosh/nutmelt/cashu"
	"github.com/elnosh/nutmelt/cashu/nuts/nut05"
)

var (
	ErrNoNegotiableMints    = errors.New("could not negotiate a melt quote with any mint")
	ErrFeeReserveNotCovered = errors.New("proofs do not cover amount and fee reserve")
	ErrSummaryExecuted      = errors.New("melt summary already executed")
	ErrSummaryNotFound      = errors.New("melt summary not found")
	ErrSummaryNotPending    = errors.New("melt summary is not pending")
)

// MeltPayload is the request sent to a mint to pay a melt quote.
// The proofs are the ones of the token group the quote was
// negotiated for and cannot be changed once set.
type MeltPayload struct {
	quote  string
	proofs cashu.Proofs
}

func (p MeltPayload) Quote() string {
	return p.quote
}

// Proofs returns a copy of the proofs in the payload.
func (p MeltPayload) Proofs() cashu.Proofs {
	return slices.Clone(p.proofs)
}

func (p MeltPayload) Amount() uint64 {
	return p.proofs.Amount()
}

func (p MeltPayload) request() nut05.PostMeltBolt11Request {
	return nut05.PostMeltBolt11Request{Quote: p.quote, Inputs: p.proofs}
}

func (p MeltPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.request())
}

func (p *MeltPayload) UnmarshalJSON(data []byte) error {
	var request nut05.PostMeltBolt11Request
	if err := json.Unmarshal(data, &request); err != nil {
		return err
	}
	p.quote = request.Quote
	p.proofs = request.Inputs
	return nil
}

type MeltQuote struct {
	Mint    string      `json:"mint"`
	Payload MeltPayload `json:"payload"`
	// amount the lightning invoice pays
	Amount uint64 `json:"amount"`
	Fees   uint64 `json:"fee_reserve"`
	Expiry int64  `json:"expiry,omitempty"`
}

// MeltSummary holds the melt quotes negotiated for a token. It is
// shown to the holder for confirmation and then passed to ExecuteMelts.
type MeltSummary struct {
	Id          string      `json:"id"`
	Quotes      []MeltQuote `json:"quotes"`
	TotalFees   uint64      `json:"total_fees"`
	TotalAmount uint64      `json:"total_amount"`

	executed atomic.Bool
}

// Mints returns the mints of the quotes in execution order.
func (s *MeltSummary) Mints() []string {
	mints := make([]string, len(s.Quotes))
	for i, quote := range s.Quotes {
		mints[i] = quote.Mint
	}
	return mints
}

func (s *MeltSummary) Executed() bool {
	return s.executed.Load()
}

type MeltResult struct {
	// sum of the amounts of the quotes the mints reported as paid
	Amount uint64 `json:"amount"`
}

// PartialMeltError is returned when a melt fails after the quotes
// before FailedAt have been paid. Result holds the amount delivered
// by those quotes.
type PartialMeltError struct {
	Result   MeltResult
	FailedAt int
	Mint     string
	Err      error
}

func (e *PartialMeltError) Error() string {
	return fmt.Sprintf("melt failed at quote %v from mint '%v' after paying %v sats: %v",
		e.FailedAt, e.Mint, e.Result.Amount, e.Err)
}

func (e *PartialMeltError) Unwrap() error {
	return e.Err
}
