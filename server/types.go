package server

import (
	"encoding/json"
	"fmt"

	"github.com/elnosh/nutmelt/cashu"
	"github.com/elnosh/nutmelt/wallet"
	"github.com/elnosh/nutmelt/wallet/storage"
)

type MeltQuoteRequest struct {
	Token string `json:"token"`
}

type MeltQuoteResponse struct {
	Mint       string `json:"mint"`
	Quote      string `json:"quote"`
	Amount     uint64 `json:"amount"`
	FeeReserve uint64 `json:"fee_reserve"`
}

type MeltSummaryResponse struct {
	Id          string              `json:"id"`
	Quotes      []MeltQuoteResponse `json:"quotes"`
	TotalAmount uint64              `json:"total_amount"`
	TotalFees   uint64              `json:"total_fees"`
	// value of the proofs from mints that could not be negotiated with
	UnclaimedAmount uint64 `json:"unclaimed_amount"`
	UnclaimedToken  string `json:"unclaimed_token,omitempty"`
}

func newMeltSummaryResponse(summary *wallet.MeltSummary, unclaimed cashu.Token) (MeltSummaryResponse, error) {
	response := MeltSummaryResponse{
		Id:              summary.Id,
		Quotes:          quoteResponses(summary.Quotes),
		TotalAmount:     summary.TotalAmount,
		TotalFees:       summary.TotalFees,
		UnclaimedAmount: unclaimed.Amount(),
	}
	if len(unclaimed.Token) > 0 {
		token, err := unclaimed.Serialize()
		if err != nil {
			return MeltSummaryResponse{}, err
		}
		response.UnclaimedToken = token
	}

	return response, nil
}

func quoteResponses(quotes []wallet.MeltQuote) []MeltQuoteResponse {
	responses := make([]MeltQuoteResponse, len(quotes))
	for i, quote := range quotes {
		responses[i] = MeltQuoteResponse{
			Mint:       quote.Mint,
			Quote:      quote.Payload.Quote(),
			Amount:     quote.Amount,
			FeeReserve: quote.Fees,
		}
	}
	return responses
}

type MeltResponse struct {
	Id              string `json:"id"`
	RequestedAmount uint64 `json:"requested_amount"`
	PaidAmount      uint64 `json:"paid_amount"`
}

type MeltFailedResponse struct {
	Detail          string             `json:"detail"`
	Code            cashu.CashuErrCode `json:"code"`
	RequestedAmount uint64             `json:"requested_amount"`
	PaidAmount      uint64             `json:"paid_amount"`
	FailedAt        int                `json:"failed_at"`
	Mint            string             `json:"mint"`
}

type MeltStateResponse struct {
	Id    string `json:"id"`
	State string `json:"state"`
}

type MeltRecordResponse struct {
	Id        string              `json:"id"`
	State     string              `json:"state"`
	Quotes    []MeltQuoteResponse `json:"quotes"`
	Requested uint64              `json:"requested_amount"`
	Fees      uint64              `json:"fees"`
	Delivered uint64              `json:"paid_amount"`
	FailedAt  *int                `json:"failed_at,omitempty"`
	Error     string              `json:"error,omitempty"`
	CreatedAt int64               `json:"created_at"`
	UpdatedAt int64               `json:"updated_at"`
}

// newMeltRecordResponse leaves out the proofs of the journaled summary.
// Anyone holding them could spend them before the melt is executed.
func newMeltRecordResponse(record *storage.MeltRecord) (MeltRecordResponse, error) {
	var summary wallet.MeltSummary
	if err := json.Unmarshal(record.Summary, &summary); err != nil {
		return MeltRecordResponse{}, fmt.Errorf("error reading melt summary: %v", err)
	}

	response := MeltRecordResponse{
		Id:        record.Id,
		State:     string(record.State),
		Quotes:    quoteResponses(summary.Quotes),
		Requested: record.Requested,
		Fees:      record.Fees,
		Delivered: record.Delivered,
		Error:     record.Error,
		CreatedAt: record.CreatedAt.Unix(),
		UpdatedAt: record.UpdatedAt.Unix(),
	}
	if record.FailedAt >= 0 {
		failedAt := record.FailedAt
		response.FailedAt = &failedAt
	}
	return response, nil
}

type ProofsCheckResponse struct {
	Id     string       `json:"id"`
	Checks []QuoteCheck `json:"checks"`
	// token with the unspent proofs, if any
	UnspentToken string `json:"unspent_token,omitempty"`
}

type QuoteCheck struct {
	Mint    string `json:"mint"`
	Quote   string `json:"quote"`
	Spent   uint64 `json:"spent_amount"`
	Pending uint64 `json:"pending_amount"`
	Unspent uint64 `json:"unspent_amount"`
}

func newProofsCheckResponse(id string, checks []wallet.ProofsCheck) (ProofsCheckResponse, error) {
	response := ProofsCheckResponse{Id: id, Checks: make([]QuoteCheck, len(checks))}
	unspent := cashu.Token{Token: []cashu.TokenGroup{}, Unit: cashu.Sat.String()}

	for i, check := range checks {
		response.Checks[i] = QuoteCheck{
			Mint:    check.Mint,
			Quote:   check.Quote,
			Spent:   check.Spent,
			Pending: check.Pending,
			Unspent: check.Unspent,
		}
		if len(check.UnspentProofs) > 0 {
			unspent.Token = append(unspent.Token, cashu.TokenGroup{Mint: check.Mint, Proofs: check.UnspentProofs})
		}
	}

	if len(unspent.Token) > 0 {
		var err error
		response.UnspentToken, err = unspent.Serialize()
		if err != nil {
			return response, err
		}
	}
	return response, nil
}
