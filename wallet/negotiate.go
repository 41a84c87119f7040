package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/elnosh/nutmelt/cashu"
	"github.com/elnosh/nutmelt/cashu/nuts/nut05"
	"github.com/elnosh/nutmelt/lightning"
	"github.com/elnosh/nutmelt/wallet/storage"
	"golang.org/x/sync/errgroup"
)

// MeltQuotes negotiates a melt quote with each mint in the token and
// returns the summary of the quotes to be executed.
// The proofs of a mint whose quote was negotiated are moved into the
// summary and removed from the token. Mints whose negotiation failed
// keep their proofs in the token.
func (w *Wallet) MeltQuotes(ctx context.Context, token *cashu.Token) (*MeltSummary, error) {
	if token == nil || len(token.Token) == 0 {
		return nil, fmt.Errorf("%w: token has no mint groups", cashu.ErrInvalidToken)
	}
	if len(token.Unit) > 0 && token.Unit != cashu.Sat.String() {
		return nil, fmt.Errorf("%w: '%v'", cashu.ErrInvalidUnit, token.Unit)
	}

	type negotiation struct {
		quote *nut05.PostMeltQuoteBolt11Response
		err   error
	}
	negotiations := make([]negotiation, len(token.Token))

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for i, group := range token.Token {
		i, group := i, group
		g.Go(func() error {
			quote, err := w.negotiateMeltQuote(ctx, group.Mint, group.Proofs.Amount())
			negotiations[i] = negotiation{quote: quote, err: err}
			return nil
		})
	}
	g.Wait()

	summary := &MeltSummary{Quotes: []MeltQuote{}}
	negotiated := make([]int, 0, len(token.Token))
	var errs []error
	for i, negotiation := range negotiations {
		mint := token.Token[i].Mint
		if negotiation.err != nil {
			w.logWarnf("could not negotiate melt quote with mint '%v'. Proofs for %v sats not included: %v",
				mint, token.Token[i].Proofs.Amount(), negotiation.err)
			errs = append(errs, fmt.Errorf("mint '%v': %w", mint, negotiation.err))
			continue
		}

		quote := negotiation.quote
		summary.Quotes = append(summary.Quotes, MeltQuote{
			Mint:    mint,
			Payload: MeltPayload{quote: quote.Quote, proofs: token.Token[i].Proofs},
			Amount:  quote.Amount,
			Fees:    quote.FeeReserve,
			Expiry:  quote.Expiry,
		})
		summary.TotalAmount += quote.Amount
		summary.TotalFees += quote.FeeReserve
		negotiated = append(negotiated, i)
	}

	if len(summary.Quotes) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoNegotiableMints, errors.Join(errs...))
	}

	id, err := cashu.GenerateRandomId()
	if err != nil {
		return nil, err
	}
	summary.Id = id

	jsonSummary, err := json.Marshal(summary)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	record := storage.MeltRecord{
		Id:        summary.Id,
		State:     storage.MeltQuoted,
		Summary:   jsonSummary,
		Requested: summary.TotalAmount,
		Fees:      summary.TotalFees,
		FailedAt:  -1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.db.SaveMeltRecord(record); err != nil {
		return nil, fmt.Errorf("error saving melt summary: %v", err)
	}

	// proofs now belong to the summary
	for _, i := range negotiated {
		token.Token[i].Proofs = nil
	}

	w.logInfof("melt summary '%v' created with %v quotes for %v sats and %v sats in fees",
		summary.Id, len(summary.Quotes), summary.TotalAmount, summary.TotalFees)

	return summary, nil
}

// negotiateMeltQuote gets a quote from the mint to melt proofs worth amount.
// The first quote is for an invoice of the full amount, which gives the fee
// reserve the mint will hold. The quote is then requested again for an invoice
// of the amount minus that fee reserve. This is repeated up to feeRounds times
// until the quote's amount plus its fee reserve is covered by the proofs.
func (w *Wallet) negotiateMeltQuote(
	ctx context.Context,
	mintURL string,
	amount uint64,
) (*nut05.PostMeltQuoteBolt11Response, error) {
	if amount == 0 {
		return nil, errors.New("no proofs to melt")
	}

	quote, err := w.requestMeltQuote(ctx, mintURL, amount)
	if err != nil {
		return nil, err
	}
	w.logDebugf("mint '%v' quoted fee reserve of %v sats for %v sats", mintURL, quote.FeeReserve, amount)

	for round := 0; round < w.feeRounds; round++ {
		if quote.FeeReserve >= amount {
			return nil, fmt.Errorf("%w: fee reserve of %v sats for %v sats of proofs",
				ErrFeeReserveNotCovered, quote.FeeReserve, amount)
		}

		quote, err = w.requestMeltQuote(ctx, mintURL, amount-quote.FeeReserve)
		if err != nil {
			return nil, err
		}
		w.logDebugf("mint '%v' quoted %v sats with fee reserve of %v sats", mintURL, quote.Amount, quote.FeeReserve)

		if quote.Amount+quote.FeeReserve <= amount {
			return quote, nil
		}
	}

	return nil, fmt.Errorf("%w: quote for %v sats needs fee reserve of %v sats but proofs are %v sats",
		ErrFeeReserveNotCovered, quote.Amount, quote.FeeReserve, amount)
}

func (w *Wallet) requestMeltQuote(
	ctx context.Context,
	mintURL string,
	amount uint64,
) (*nut05.PostMeltQuoteBolt11Response, error) {
	invoice, err := w.lightningClient.CreateInvoice(ctx, amount, w.invoiceMemo)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", lightning.ErrInvoiceUnavailable, err)
	}
	if err := lightning.VerifyInvoice(invoice.PaymentRequest, amount); err != nil {
		return nil, fmt.Errorf("%w: %w", lightning.ErrInvoiceUnavailable, err)
	}

	meltQuoteRequest := nut05.PostMeltQuoteBolt11Request{
		Request: invoice.PaymentRequest,
		Unit:    cashu.Sat.String(),
	}
	return w.client.PostMeltQuoteBolt11(ctx, mintURL, meltQuoteRequest)
}
