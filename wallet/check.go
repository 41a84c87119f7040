package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/elnosh/nutmelt/cashu"
	"github.com/elnosh/nutmelt/cashu/nuts/nut07"
	"github.com/elnosh/nutmelt/crypto"
	"github.com/elnosh/nutmelt/wallet/client"
	"github.com/elnosh/nutmelt/wallet/storage"
)

var ErrSummaryNotFailed = errors.New("melt summary did not fail or is not executing")

// ProofsCheck is the state at the mint of the proofs of a melt quote.
type ProofsCheck struct {
	Mint  string
	Quote string

	Unspent uint64
	Pending uint64
	Spent   uint64

	// proofs the mint reports as unspent. These can be claimed again.
	UnspentProofs cashu.Proofs
}

// ProofStates asks the mint for the state of each of the proofs.
// The states are returned in the same order as the proofs.
func (w *Wallet) ProofStates(ctx context.Context, mint string, proofs cashu.Proofs) ([]nut07.State, error) {
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.SecretY(proof.Secret)
		if err != nil {
			return nil, fmt.Errorf("invalid proof secret: %v", err)
		}
		Ys[i] = Y
	}

	stateResponse, err := w.client.PostCheckProofState(ctx, mint, nut07.PostCheckStateRequest{Ys: Ys})
	if err != nil {
		return nil, err
	}

	statesByY := make(map[string]nut07.State, len(stateResponse.States))
	for _, proofState := range stateResponse.States {
		statesByY[proofState.Y] = proofState.State
	}

	states := make([]nut07.State, len(proofs))
	for i, Y := range Ys {
		state, ok := statesByY[Y]
		if !ok {
			return nil, fmt.Errorf("%w: no state for proof '%v'", client.ErrMintRejectedCheck, Y)
		}
		states[i] = state
	}
	return states, nil
}

// CheckFailedMelt checks with the mints the proofs of a melt that did not
// complete. For a failed melt these are the proofs of the quote that failed
// and of the quotes after it, which were never sent. A melt left executing,
// e.g. by a crash, has all of its quotes checked since any of them may have
// been sent. The checks are returned in quote order.
func (w *Wallet) CheckFailedMelt(ctx context.Context, id string) ([]ProofsCheck, error) {
	record, err := w.MeltRecord(id)
	if err != nil {
		return nil, err
	}

	var summary MeltSummary
	if err := json.Unmarshal(record.Summary, &summary); err != nil {
		return nil, fmt.Errorf("error reading melt summary: %v", err)
	}

	var quotes []MeltQuote
	switch record.State {
	case storage.MeltFailed:
		if record.FailedAt < 0 || record.FailedAt >= len(summary.Quotes) {
			return nil, fmt.Errorf("melt summary has no quote at %v", record.FailedAt)
		}
		quotes = summary.Quotes[record.FailedAt:]
	case storage.MeltExecuting:
		quotes = summary.Quotes
	default:
		return nil, fmt.Errorf("%w: summary is %v", ErrSummaryNotFailed, record.State)
	}

	checks := make([]ProofsCheck, 0, len(quotes))
	for _, quote := range quotes {
		check, err := w.checkQuoteProofs(ctx, quote)
		if err != nil {
			return nil, fmt.Errorf("mint '%v': %w", quote.Mint, err)
		}
		checks = append(checks, *check)
	}
	return checks, nil
}

func (w *Wallet) checkQuoteProofs(ctx context.Context, quote MeltQuote) (*ProofsCheck, error) {
	proofs := quote.Payload.Proofs()
	states, err := w.ProofStates(ctx, quote.Mint, proofs)
	if err != nil {
		return nil, err
	}

	check := &ProofsCheck{Mint: quote.Mint, Quote: quote.Payload.Quote()}
	for i, state := range states {
		switch state {
		case nut07.Unspent:
			check.Unspent += proofs[i].Amount
			check.UnspentProofs = append(check.UnspentProofs, proofs[i])
		case nut07.Pending:
			check.Pending += proofs[i].Amount
		case nut07.Spent:
			check.Spent += proofs[i].Amount
		default:
			return nil, fmt.Errorf("%w: unknown proof state '%v'", client.ErrMintRejectedCheck, state)
		}
	}
	w.logDebugf("proofs of quote '%v': %v unspent, %v pending, %v spent",
		check.Quote, check.Unspent, check.Pending, check.Spent)

	return check, nil
}
