// Package lightning provides the invoice providers the melted ecash is paid to.
package lightning

import (
	"context"
	"errors"
	"fmt"

	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const (
	InvoiceExpiryTime = 3600
	DefaultMemo       = "cashu melt"
)

var (
	ErrInvoiceUnavailable    = errors.New("invoice unavailable")
	ErrInvoiceAmountMismatch = errors.New("invoice amount does not match requested amount")
)

// Client is a lightning backend able to issue invoices to
// receive the melted ecash.
type Client interface {
	ConnectionStatus() error
	CreateInvoice(ctx context.Context, amount uint64, memo string) (Invoice, error)
}

type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	Amount         uint64
	Expiry         uint64
}

// VerifyInvoice decodes the bolt11 payment request and checks that
// it is for exactly amount sats.
func VerifyInvoice(paymentRequest string, amount uint64) error {
	if len(paymentRequest) == 0 {
		return errors.New("empty payment request")
	}

	bolt11, err := decodepay.Decodepay(paymentRequest)
	if err != nil {
		return fmt.Errorf("error decoding invoice: %v", err)
	}

	if bolt11.MSatoshi != int64(amount*1000) {
		return fmt.Errorf("%w: expected %v msat but invoice is for %v msat",
			ErrInvoiceAmountMismatch, amount*1000, bolt11.MSatoshi)
	}
	return nil
}
