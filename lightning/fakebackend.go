package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

// FakeBackend issues signet invoices signed with a throwaway key.
// Useful for tests and to try the melt flow against test mints.
type FakeBackend struct {
	mu       sync.Mutex
	invoices []Invoice
}

func (fb *FakeBackend) ConnectionStatus() error { return nil }

func (fb *FakeBackend) CreateInvoice(ctx context.Context, amount uint64, memo string) (Invoice, error) {
	if amount == 0 {
		return Invoice{}, errors.New("invoice amount must be greater than 0")
	}

	req, paymentHash, err := CreateFakeInvoice(amount, memo)
	if err != nil {
		return Invoice{}, err
	}

	invoice := Invoice{
		PaymentRequest: req,
		PaymentHash:    paymentHash,
		Amount:         amount,
		Expiry:         uint64(time.Now().Add(InvoiceExpiryTime * time.Second).Unix()),
	}

	fb.mu.Lock()
	fb.invoices = append(fb.invoices, invoice)
	fb.mu.Unlock()

	return invoice, nil
}

// Invoices returns the invoices created so far.
func (fb *FakeBackend) Invoices() []Invoice {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return slices.Clone(fb.invoices)
}

// CreateFakeInvoice returns a bolt11 invoice for amount and its payment hash.
func CreateFakeInvoice(amount uint64, memo string) (string, string, error) {
	var random [32]byte
	_, err := rand.Read(random[:])
	if err != nil {
		return "", "", err
	}
	paymentHash := sha256.Sum256(random[:])
	hash := hex.EncodeToString(paymentHash[:])

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amount*1000)),
		zpay32.Description(memo),
		zpay32.Expiry(InvoiceExpiryTime*time.Second),
	)
	if err != nil {
		return "", "", err
	}

	invoiceStr, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return []byte{}, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return "", "", err
	}

	return invoiceStr, hash, nil
}
