// Package nut05 contains the request and response bodies of the
// bolt11 melt endpoints. See https://github.com/cashubtc/nuts/blob/main/05.md
package nut05

import "github.com/elnosh/nutmelt/cashu"

type State string

const (
	Unpaid  State = "UNPAID"
	Pending State = "PENDING"
	Paid    State = "PAID"
)

type PostMeltQuoteBolt11Request struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
}

type PostMeltQuoteBolt11Response struct {
	Quote      string `json:"quote"`
	Amount     uint64 `json:"amount"`
	FeeReserve uint64 `json:"fee_reserve"`
	Paid       bool   `json:"paid"`
	State      State  `json:"state,omitempty"`
	Expiry     int64  `json:"expiry"`
}

type PostMeltBolt11Request struct {
	Quote  string       `json:"quote"`
	Inputs cashu.Proofs `json:"inputs"`
}

// PostMeltBolt11Response is the result of a melt. Older mints only
// report 'paid', newer ones report 'state'.
type PostMeltBolt11Response struct {
	Paid     bool   `json:"paid"`
	State    State  `json:"state,omitempty"`
	Preimage string `json:"payment_preimage,omitempty"`
}

func (r PostMeltBolt11Response) IsPaid() bool {
	return r.Paid || r.State == Paid
}

// PaymentState returns the state reported by the mint, derived
// from 'paid' if the mint did not send one.
func (r PostMeltBolt11Response) PaymentState() State {
	if r.State != "" {
		return r.State
	}
	if r.Paid {
		return Paid
	}
	return Unpaid
}
