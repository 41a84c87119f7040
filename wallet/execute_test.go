package wallet

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/elnosh/nutmelt/cashu"
	"github.com/elnosh/nutmelt/cashu/nuts/nut05"
	"github.com/elnosh/nutmelt/wallet/client"
	"github.com/elnosh/nutmelt/wallet/storage"
)

func notPaid(nut05.PostMeltBolt11Request) nut05.PostMeltBolt11Response {
	return nut05.PostMeltBolt11Response{Paid: false}
}

// meltSummary negotiates quotes with fee reserve 0 so the amount
// of each quote is the amount of its proofs.
func meltSummary(t *testing.T, wallet *Wallet, mints []*fakeMint, amounts []uint64) *MeltSummary {
	t.Helper()

	groups := make([]cashu.TokenGroup, len(mints))
	for i, mint := range mints {
		groups[i] = cashu.TokenGroup{Mint: mint.URL(), Proofs: testProofs(amounts[i])}
	}

	summary, err := wallet.MeltQuotes(context.Background(), testToken(groups...))
	if err != nil {
		t.Fatalf("unexpected error getting melt quotes: %v", err)
	}
	if len(summary.Quotes) != len(mints) {
		t.Fatalf("expected '%v' quotes but got '%v' instead", len(mints), len(summary.Quotes))
	}
	return summary
}

func TestExecuteMelts(t *testing.T) {
	mintA := newFakeMint(fixedFee(0))
	defer mintA.Close()
	mintB := newFakeMint(fixedFee(0))
	defer mintB.Close()

	wallet := testWallet(t, Config{})
	summary := meltSummary(t, wallet, []*fakeMint{mintA, mintB}, []uint64{500, 300})

	result, err := wallet.ExecuteMelts(context.Background(), summary)
	if err != nil {
		t.Fatalf("unexpected error executing melts: %v", err)
	}
	if result.Amount != 800 {
		t.Errorf("expected melted amount of '%v' but got '%v' instead", 800, result.Amount)
	}

	for i, mint := range []*fakeMint{mintA, mintB} {
		meltRequests := mint.MeltRequests()
		if len(meltRequests) != 1 {
			t.Fatalf("expected '%v' melt requests but got '%v' instead", 1, len(meltRequests))
		}
		payload := summary.Quotes[i].Payload
		if meltRequests[0].Quote != payload.Quote() {
			t.Errorf("expected quote '%v' but got '%v' instead", payload.Quote(), meltRequests[0].Quote)
		}
		if !reflect.DeepEqual(meltRequests[0].Inputs, payload.Proofs()) {
			t.Errorf("expected melt inputs to be the proofs in the payload")
		}
	}

	record, err := wallet.MeltRecord(summary.Id)
	if err != nil {
		t.Fatalf("unexpected error getting melt record: %v", err)
	}
	if record.State != storage.MeltExecuted || record.Delivered != 800 || record.FailedAt != -1 {
		t.Errorf("unexpected melt record: %+v", record)
	}

	// summary can only be executed once
	_, err = wallet.ExecuteMelts(context.Background(), summary)
	if !errors.Is(err, ErrSummaryExecuted) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrSummaryExecuted, err)
	}
	if len(mintA.MeltRequests()) != 1 {
		t.Fatalf("expected no more melt requests after second execution")
	}

	err = wallet.CancelMelt(summary.Id)
	if !errors.Is(err, ErrSummaryNotPending) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrSummaryNotPending, err)
	}
}

func TestExecuteMeltsNotPaid(t *testing.T) {
	mintA := newFakeMint(fixedFee(0))
	defer mintA.Close()
	mintB := newFakeMint(fixedFee(0))
	defer mintB.Close()
	mintB.setMeltResponse(notPaid)

	wallet := testWallet(t, Config{})
	summary := meltSummary(t, wallet, []*fakeMint{mintA, mintB}, []uint64{500, 200})

	result, err := wallet.ExecuteMelts(context.Background(), summary)

	var partialErr *PartialMeltError
	if !errors.As(err, &partialErr) {
		t.Fatalf("expected partial melt error but got '%v'", err)
	}
	if partialErr.Result.Amount != 500 {
		t.Errorf("expected partial amount of '%v' but got '%v' instead", 500, partialErr.Result.Amount)
	}
	if partialErr.FailedAt != 1 {
		t.Errorf("expected failure at quote '%v' but got '%v' instead", 1, partialErr.FailedAt)
	}
	if partialErr.Mint != mintB.URL() {
		t.Errorf("expected failure at mint '%v' but got '%v' instead", mintB.URL(), partialErr.Mint)
	}
	if !errors.Is(err, client.ErrMeltNotPaid) {
		t.Errorf("expected error '%v' but got '%v' instead", client.ErrMeltNotPaid, err)
	}
	if result.Amount != 500 {
		t.Errorf("expected result amount of '%v' but got '%v' instead", 500, result.Amount)
	}

	record, err := wallet.MeltRecord(summary.Id)
	if err != nil {
		t.Fatalf("unexpected error getting melt record: %v", err)
	}
	expectedRecord := storage.MeltRecord{
		State:     storage.MeltFailed,
		Requested: 700,
		Delivered: 500,
		FailedAt:  1,
	}
	if record.State != expectedRecord.State || record.Requested != expectedRecord.Requested ||
		record.Delivered != expectedRecord.Delivered || record.FailedAt != expectedRecord.FailedAt {
		t.Errorf("expected record '%+v' but got '%+v' instead", expectedRecord, record)
	}
	if len(record.Error) == 0 {
		t.Error("expected error in melt record")
	}
}

func TestExecuteMeltsStopsAtFailure(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(mint *fakeMint)
		expectedErr error
	}{
		{
			name:        "not paid",
			setup:       func(mint *fakeMint) { mint.setMeltResponse(notPaid) },
			expectedErr: client.ErrMeltNotPaid,
		},
		{
			name:        "unreachable",
			setup:       func(mint *fakeMint) { mint.Close() },
			expectedErr: client.ErrMintUnreachable,
		},
		{
			name: "pending",
			setup: func(mint *fakeMint) {
				mint.setMeltResponse(func(nut05.PostMeltBolt11Request) nut05.PostMeltBolt11Response {
					return nut05.PostMeltBolt11Response{State: nut05.Pending}
				})
			},
			expectedErr: client.ErrMeltNotPaid,
		},
		{
			name:        "rejected",
			setup:       func(mint *fakeMint) { mint.setRejectMelt(true) },
			expectedErr: client.ErrMintRejectedMelt,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			mints := []*fakeMint{newFakeMint(fixedFee(0)), newFakeMint(fixedFee(0)), newFakeMint(fixedFee(0))}
			for _, mint := range mints {
				defer mint.Close()
			}

			wallet := testWallet(t, Config{})
			summary := meltSummary(t, wallet, mints, []uint64{100, 200, 300})
			test.setup(mints[1])

			_, err := wallet.ExecuteMelts(context.Background(), summary)
			if !errors.Is(err, test.expectedErr) {
				t.Fatalf("expected error '%v' but got '%v' instead", test.expectedErr, err)
			}

			var partialErr *PartialMeltError
			if !errors.As(err, &partialErr) {
				t.Fatalf("expected partial melt error but got '%v'", err)
			}
			if partialErr.FailedAt != 1 || partialErr.Result.Amount != 100 {
				t.Errorf("expected failure at '%v' with '%v' paid but got '%v' with '%v' paid",
					1, 100, partialErr.FailedAt, partialErr.Result.Amount)
			}

			// no request made for quotes after the failed one
			if len(mints[2].MeltRequests()) != 0 {
				t.Fatalf("expected no melt requests to mint after failure but got '%v'",
					len(mints[2].MeltRequests()))
			}
		})
	}
}

func TestExecuteMeltsFirstQuoteFails(t *testing.T) {
	mintA := newFakeMint(fixedFee(0))
	defer mintA.Close()
	mintB := newFakeMint(fixedFee(0))
	defer mintB.Close()

	wallet := testWallet(t, Config{})
	summary := meltSummary(t, wallet, []*fakeMint{mintA, mintB}, []uint64{64, 32})
	mintA.setMeltResponse(notPaid)

	result, err := wallet.ExecuteMelts(context.Background(), summary)
	var partialErr *PartialMeltError
	if !errors.As(err, &partialErr) {
		t.Fatalf("expected partial melt error but got '%v'", err)
	}
	if partialErr.FailedAt != 0 || result.Amount != 0 {
		t.Errorf("expected failure at '%v' with nothing paid but got '%v' with '%v' paid",
			0, partialErr.FailedAt, result.Amount)
	}
	if len(mintB.MeltRequests()) != 0 {
		t.Fatalf("expected no melt requests to second mint")
	}
}

func TestExecuteMeltsCancel(t *testing.T) {
	mintA := newFakeMint(fixedFee(0))
	defer mintA.Close()
	mintB := newFakeMint(fixedFee(0))
	defer mintB.Close()

	wallet := testWallet(t, Config{})
	summary := meltSummary(t, wallet, []*fakeMint{mintA, mintB}, []uint64{500, 200})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// cancel while the first melt is in flight
	mintA.setOnMelt(cancel)

	result, err := wallet.ExecuteMelts(ctx, summary)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected error '%v' but got '%v' instead", context.Canceled, err)
	}

	var partialErr *PartialMeltError
	if !errors.As(err, &partialErr) {
		t.Fatalf("expected partial melt error but got '%v'", err)
	}
	if partialErr.FailedAt != 1 {
		t.Errorf("expected failure at quote '%v' but got '%v' instead", 1, partialErr.FailedAt)
	}
	// melt in flight was completed
	if result.Amount != 500 {
		t.Errorf("expected result amount of '%v' but got '%v' instead", 500, result.Amount)
	}
	if len(mintB.MeltRequests()) != 0 {
		t.Fatalf("expected no melt requests to second mint")
	}
}

func TestCancelMelt(t *testing.T) {
	mint := newFakeMint(fixedFee(0))
	defer mint.Close()

	wallet := testWallet(t, Config{})
	summary := meltSummary(t, wallet, []*fakeMint{mint}, []uint64{128})

	if err := wallet.CancelMelt(summary.Id); err != nil {
		t.Fatalf("unexpected error cancelling melt: %v", err)
	}

	record, err := wallet.MeltRecord(summary.Id)
	if err != nil {
		t.Fatalf("unexpected error getting melt record: %v", err)
	}
	if record.State != storage.MeltCancelled {
		t.Errorf("expected state '%v' but got '%v' instead", storage.MeltCancelled, record.State)
	}

	_, err = wallet.ExecuteMelts(context.Background(), summary)
	if !errors.Is(err, ErrSummaryNotPending) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrSummaryNotPending, err)
	}
	if len(mint.MeltRequests()) != 0 {
		t.Fatalf("expected no melt requests for cancelled summary")
	}

	err = wallet.CancelMelt("nonexistent")
	if !errors.Is(err, ErrSummaryNotFound) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrSummaryNotFound, err)
	}
}

func TestExecuteLoadedSummary(t *testing.T) {
	mint := newFakeMint(fixedFee(0))
	defer mint.Close()

	wallet := testWallet(t, Config{})
	summary := meltSummary(t, wallet, []*fakeMint{mint}, []uint64{256})

	loaded, err := wallet.LoadMeltSummary(summary.Id)
	if err != nil {
		t.Fatalf("unexpected error loading melt summary: %v", err)
	}
	if loaded.TotalAmount != summary.TotalAmount || loaded.Quotes[0].Payload.Quote() != summary.Quotes[0].Payload.Quote() {
		t.Fatalf("loaded summary does not match summary created")
	}
	if !reflect.DeepEqual(loaded.Quotes[0].Payload.Proofs(), summary.Quotes[0].Payload.Proofs()) {
		t.Fatalf("expected proofs of loaded summary to match")
	}

	result, err := wallet.ExecuteMelts(context.Background(), loaded)
	if err != nil {
		t.Fatalf("unexpected error executing melts: %v", err)
	}
	if result.Amount != 256 {
		t.Errorf("expected melted amount of '%v' but got '%v' instead", 256, result.Amount)
	}

	// journal prevents executing the original summary too
	_, err = wallet.ExecuteMelts(context.Background(), summary)
	if !errors.Is(err, ErrSummaryExecuted) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrSummaryExecuted, err)
	}
	_, err = wallet.LoadMeltSummary(summary.Id)
	if !errors.Is(err, ErrSummaryNotPending) {
		t.Fatalf("expected error '%v' but got '%v' instead", ErrSummaryNotPending, err)
	}
	if len(mint.MeltRequests()) != 1 {
		t.Fatalf("expected '%v' melt requests but got '%v' instead", 1, len(mint.MeltRequests()))
	}
}

func TestExecuteMeltsSharedJournal(t *testing.T) {
	mint := newFakeMint(fixedFee(0))
	defer mint.Close()

	path := t.TempDir()
	walletA := testWallet(t, Config{WalletPath: path, Storage: SQLiteStorage})
	walletB := testWallet(t, Config{WalletPath: path, Storage: SQLiteStorage})

	summaryA := meltSummary(t, walletA, []*fakeMint{mint}, []uint64{400})
	summaryB, err := walletB.LoadMeltSummary(summaryA.Id)
	if err != nil {
		t.Fatalf("unexpected error loading summary: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, execute := range []func() error{
		func() error { _, err := walletA.ExecuteMelts(context.Background(), summaryA); return err },
		func() error { _, err := walletB.ExecuteMelts(context.Background(), summaryB); return err },
	} {
		i, execute := i, execute
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = execute()
		}()
	}
	wg.Wait()

	executed, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			executed++
		case errors.Is(err, ErrSummaryExecuted):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if executed != 1 || rejected != 1 {
		t.Fatalf("expected one execution and one rejection but got '%v' and '%v'", executed, rejected)
	}
	if len(mint.MeltRequests()) != 1 {
		t.Fatalf("expected '%v' melt requests but got '%v' instead", 1, len(mint.MeltRequests()))
	}

	record, err := walletA.MeltRecord(summaryA.Id)
	if err != nil {
		t.Fatalf("unexpected error getting melt record: %v", err)
	}
	if record.State != storage.MeltExecuted || record.Delivered != 400 {
		t.Errorf("expected executed record with '%v' delivered but got '%+v'", 400, record)
	}
	if err := walletB.CancelMelt(summaryA.Id); !errors.Is(err, ErrSummaryNotPending) {
		t.Errorf("expected error '%v' but got '%v' instead", ErrSummaryNotPending, err)
	}
}

// failingJournal fails every state change of a melt record.
type failingJournal struct {
	storage.DB
}

func (failingJournal) UpdateMeltState(string, storage.MeltState, storage.MeltState, time.Time) (bool, error) {
	return false, errors.New("disk I/O error")
}

func TestExecuteMeltsJournalError(t *testing.T) {
	mint := newFakeMint(fixedFee(0))
	defer mint.Close()

	wallet := testWallet(t, Config{})
	summary := meltSummary(t, wallet, []*fakeMint{mint}, []uint64{100})

	db := wallet.db
	wallet.db = failingJournal{DB: db}
	_, err := wallet.ExecuteMelts(context.Background(), summary)
	if err == nil || errors.Is(err, ErrSummaryExecuted) {
		t.Fatalf("expected journal error but got '%v'", err)
	}
	if summary.Executed() {
		t.Fatal("expected summary to not be marked as executed")
	}
	if len(mint.MeltRequests()) != 0 {
		t.Fatalf("expected no melt requests but got '%v'", len(mint.MeltRequests()))
	}

	wallet.db = db
	result, err := wallet.ExecuteMelts(context.Background(), summary)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Amount != 100 {
		t.Errorf("expected amount of '%v' but got '%v' instead", 100, result.Amount)
	}
}
