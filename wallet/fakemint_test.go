package wallet

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/elnosh/nutmelt/cashu"
	"github.com/elnosh/nutmelt/cashu/nuts/nut05"
	"github.com/elnosh/nutmelt/cashu/nuts/nut07"
	"github.com/gorilla/mux"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

// fakeMint serves the melt endpoints of a mint.
type fakeMint struct {
	server *httptest.Server

	mu sync.Mutex
	// fee reserve quoted for an invoice amount
	feeReserve func(amount uint64) uint64
	// amount reported in the quote for an invoice amount and its fee reserve
	quoteAmount func(amount, feeReserve uint64) uint64
	// response to a melt request
	meltResponse func(request nut05.PostMeltBolt11Request) nut05.PostMeltBolt11Response
	onMelt       func()
	rejectMelt   bool
	// state of proofs by Y. Proofs not in it are unspent
	proofStates map[string]nut07.State

	invoiceAmounts []uint64
	meltRequests   []nut05.PostMeltBolt11Request
	quoteCount     int
}

func newFakeMint(feeReserve func(uint64) uint64) *fakeMint {
	mint := &fakeMint{
		feeReserve: feeReserve,
		quoteAmount: func(amount, _ uint64) uint64 {
			return amount
		},
		meltResponse: func(nut05.PostMeltBolt11Request) nut05.PostMeltBolt11Response {
			return nut05.PostMeltBolt11Response{Paid: true, State: nut05.Paid, Preimage: "0000"}
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/melt/quote/bolt11", mint.handleMeltQuote).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/bolt11", mint.handleMelt).Methods(http.MethodPost)
	r.HandleFunc("/v1/checkstate", mint.handleCheckState).Methods(http.MethodPost)
	mint.server = httptest.NewServer(r)

	return mint
}

func fixedFee(fee uint64) func(uint64) uint64 {
	return func(uint64) uint64 { return fee }
}

func (fm *fakeMint) URL() string {
	return fm.server.URL
}

func (fm *fakeMint) Close() {
	fm.server.Close()
}

func (fm *fakeMint) setQuoteAmount(quoteAmount func(amount, feeReserve uint64) uint64) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.quoteAmount = quoteAmount
}

func (fm *fakeMint) setMeltResponse(meltResponse func(nut05.PostMeltBolt11Request) nut05.PostMeltBolt11Response) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.meltResponse = meltResponse
}

func (fm *fakeMint) setOnMelt(onMelt func()) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.onMelt = onMelt
}

func (fm *fakeMint) setRejectMelt(reject bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.rejectMelt = reject
}

func (fm *fakeMint) setProofStates(states map[string]nut07.State) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.proofStates = states
}

func (fm *fakeMint) InvoiceAmounts() []uint64 {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return append([]uint64{}, fm.invoiceAmounts...)
}

func (fm *fakeMint) MeltRequests() []nut05.PostMeltBolt11Request {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return append([]nut05.PostMeltBolt11Request{}, fm.meltRequests...)
}

func (fm *fakeMint) handleMeltQuote(rw http.ResponseWriter, req *http.Request) {
	var meltQuoteRequest nut05.PostMeltQuoteBolt11Request
	if err := json.NewDecoder(req.Body).Decode(&meltQuoteRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}
	if meltQuoteRequest.Unit != cashu.Sat.String() {
		writeErr(rw, cashu.Error{Detail: "unit not supported", Code: cashu.UnitErrCode})
		return
	}

	bolt11, err := decodepay.Decodepay(meltQuoteRequest.Request)
	if err != nil {
		writeErr(rw, *cashu.BuildCashuError("invalid invoice", cashu.StandardErrCode))
		return
	}
	amount := uint64(bolt11.MSatoshi / 1000)

	fm.mu.Lock()
	defer fm.mu.Unlock()

	fm.invoiceAmounts = append(fm.invoiceAmounts, amount)
	fm.quoteCount++
	fee := fm.feeReserve(amount)

	json.NewEncoder(rw).Encode(nut05.PostMeltQuoteBolt11Response{
		Quote:      fmt.Sprintf("quote%v", fm.quoteCount),
		Amount:     fm.quoteAmount(amount, fee),
		FeeReserve: fee,
		State:      nut05.Unpaid,
		Expiry:     1700003600,
	})
}

func (fm *fakeMint) handleMelt(rw http.ResponseWriter, req *http.Request) {
	var meltRequest nut05.PostMeltBolt11Request
	if err := json.NewDecoder(req.Body).Decode(&meltRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}

	fm.mu.Lock()
	fm.meltRequests = append(fm.meltRequests, meltRequest)
	onMelt := fm.onMelt
	reject := fm.rejectMelt
	response := fm.meltResponse(meltRequest)
	fm.mu.Unlock()

	if onMelt != nil {
		onMelt()
	}
	if reject {
		writeErr(rw, cashu.Error{Detail: "proofs already spent", Code: cashu.ProofAlreadyUsedErrCode})
		return
	}

	json.NewEncoder(rw).Encode(response)
}

func (fm *fakeMint) handleCheckState(rw http.ResponseWriter, req *http.Request) {
	var stateRequest nut07.PostCheckStateRequest
	if err := json.NewDecoder(req.Body).Decode(&stateRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	states := make([]nut07.ProofState, len(stateRequest.Ys))
	for i, Y := range stateRequest.Ys {
		state, ok := fm.proofStates[Y]
		if !ok {
			state = nut07.Unspent
		}
		states[i] = nut07.ProofState{Y: Y, State: state}
	}
	json.NewEncoder(rw).Encode(nut07.PostCheckStateResponse{States: states})
}

func writeErr(rw http.ResponseWriter, cashuErr cashu.Error) {
	rw.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(rw).Encode(cashuErr)
}
