package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elnosh/nutmelt/wallet/storage"
)

// ExecuteMelts pays the quotes in the summary in order. If a quote fails,
// no more quotes are executed and a *PartialMeltError is returned with the
// amount paid by the previous quotes.
// A melt that has started is not interrupted if ctx is canceled. Cancellation
// only prevents the quotes after it from being executed.
func (w *Wallet) ExecuteMelts(ctx context.Context, summary *MeltSummary) (MeltResult, error) {
	if summary == nil {
		return MeltResult{}, errors.New("melt summary is nil")
	}
	if !summary.executed.CompareAndSwap(false, true) {
		return MeltResult{}, ErrSummaryExecuted
	}

	record, err := w.startMelt(summary.Id)
	if err != nil {
		// nothing was sent, the summary can be executed again
		if !errors.Is(err, ErrSummaryExecuted) {
			summary.executed.Store(false)
		}
		return MeltResult{}, err
	}

	var result MeltResult
	for i, quote := range summary.Quotes {
		if err := ctx.Err(); err != nil {
			return w.failMelt(record, &PartialMeltError{Result: result, FailedAt: i, Mint: quote.Mint, Err: err})
		}

		w.logDebugf("executing melt quote '%v' with mint '%v' for %v sats",
			quote.Payload.Quote(), quote.Mint, quote.Amount)

		meltResponse, err := w.client.PostMeltBolt11(context.WithoutCancel(ctx), quote.Mint, quote.Payload.request())
		if err != nil {
			return w.failMelt(record, &PartialMeltError{Result: result, FailedAt: i, Mint: quote.Mint, Err: err})
		}

		result.Amount += quote.Amount
		w.logInfof("melt quote '%v' paid by mint '%v'. Preimage: %v", quote.Payload.Quote(), quote.Mint, meltResponse.Preimage)
	}

	record.State = storage.MeltExecuted
	record.Delivered = result.Amount
	record.UpdatedAt = time.Now()
	if err := w.db.SaveMeltRecord(*record); err != nil {
		w.logErrorf("could not save executed melt '%v': %v", record.Id, err)
	}

	return result, nil
}

// startMelt moves the journal record of the summary from quoted to executing.
// The change is a single conditional update in the journal so only one
// wallet sharing it can start the melt.
func (w *Wallet) startMelt(id string) (*storage.MeltRecord, error) {
	record, err := w.MeltRecord(id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	started, err := w.db.UpdateMeltState(id, storage.MeltQuoted, storage.MeltExecuting, now)
	if err != nil {
		return nil, fmt.Errorf("error saving melt: %v", err)
	}
	if !started {
		current, err := w.MeltRecord(id)
		if err != nil {
			return nil, err
		}
		switch current.State {
		case storage.MeltExecuting, storage.MeltExecuted, storage.MeltFailed:
			return nil, ErrSummaryExecuted
		default:
			return nil, fmt.Errorf("%w: summary is %v", ErrSummaryNotPending, current.State)
		}
	}

	record.State = storage.MeltExecuting
	record.UpdatedAt = now
	return record, nil
}

func (w *Wallet) failMelt(record *storage.MeltRecord, meltErr *PartialMeltError) (MeltResult, error) {
	w.logErrorf("melt '%v' failed. Delivered %v of %v sats: %v",
		record.Id, meltErr.Result.Amount, record.Requested, meltErr)

	record.State = storage.MeltFailed
	record.Delivered = meltErr.Result.Amount
	record.FailedAt = meltErr.FailedAt
	record.Error = meltErr.Err.Error()
	record.UpdatedAt = time.Now()
	if err := w.db.SaveMeltRecord(*record); err != nil {
		w.logErrorf("could not save failed melt '%v': %v", record.Id, err)
	}

	return meltErr.Result, meltErr
}

// CancelMelt marks a melt summary that was not executed as cancelled.
// A cancelled summary cannot be executed.
func (w *Wallet) CancelMelt(id string) error {
	cancelled, err := w.db.UpdateMeltState(id, storage.MeltQuoted, storage.MeltCancelled, time.Now())
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			return ErrSummaryNotFound
		}
		return fmt.Errorf("error cancelling melt: %v", err)
	}
	if !cancelled {
		record, err := w.MeltRecord(id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: summary is %v", ErrSummaryNotPending, record.State)
	}

	w.logInfof("melt summary '%v' cancelled", id)
	return nil
}
