// Package server exposes the melt flow over HTTP so a client can show
// the melt summary to the holder and execute it once confirmed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/elnosh/nutmelt/cashu"
	"github.com/elnosh/nutmelt/wallet"
	"github.com/elnosh/nutmelt/wallet/client"
	"github.com/elnosh/nutmelt/wallet/storage"
	"github.com/gorilla/mux"
)

const DefaultListenAddr = "127.0.0.1:3339"

type Server struct {
	httpServer *http.Server
	wallet     *wallet.Wallet
	logger     *slog.Logger
	metrics    *metricsRegistry
}

func SetupServer(addr string, w *wallet.Wallet, logger *slog.Logger) *Server {
	if len(addr) == 0 {
		addr = DefaultListenAddr
	}
	if logger == nil {
		logger = slog.Default()
	}

	server := &Server{
		wallet: w,
		logger: logger,
	}
	server.metrics = newMetricsRegistry(server.pendingCount)
	server.httpServer = &http.Server{
		Addr:    addr,
		Handler: server.router(),
	}
	return server
}

func (s *Server) Start() error {
	s.logger.Info("melt server listening on: " + s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/v1/melt/quote", s.meltQuote).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/{id}/execute", s.executeMelt).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/{id}", s.cancelMelt).Methods(http.MethodDelete)
	r.HandleFunc("/v1/melt/{id}", s.getMelt).Methods(http.MethodGet)
	r.HandleFunc("/v1/melt/{id}/proofs", s.checkMeltProofs).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)

	r.Use(setupHeaders)

	return r
}

func setupHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/metrics" {
			rw.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(rw, req)
	})
}

func (s *Server) writeResponse(rw http.ResponseWriter, response any) {
	jsonRes, err := json.Marshal(response)
	if err != nil {
		s.writeErr(rw, http.StatusInternalServerError, cashu.StandardErr, err.Error())
		return
	}
	rw.Write(jsonRes)
}

// writeErr writes the error response. errLogMsg is logged instead
// of the error detail if present.
func (s *Server) writeErr(rw http.ResponseWriter, status int, errResponse any, errLogMsg ...string) {
	msg := fmt.Sprintf("%v", errResponse)
	if len(errLogMsg) > 0 {
		msg = errLogMsg[0]
	}
	s.logger.Error(msg, slog.Int("status", status))

	rw.WriteHeader(status)
	jsonRes, _ := json.Marshal(errResponse)
	rw.Write(jsonRes)
}

func decodeJsonReqBody(req *http.Request, dst any) error {
	if req.Body == nil {
		return cashu.EmptyBodyErr
	}
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return cashu.BuildCashuError(fmt.Sprintf("invalid request body: %v", err), cashu.StandardErrCode)
	}
	return nil
}

func (s *Server) meltQuote(rw http.ResponseWriter, req *http.Request) {
	var meltQuoteRequest MeltQuoteRequest
	if err := decodeJsonReqBody(req, &meltQuoteRequest); err != nil {
		s.writeErr(rw, http.StatusBadRequest, err)
		return
	}

	token, err := cashu.DecodeToken(meltQuoteRequest.Token)
	if err != nil {
		s.metrics.incSummary("invalid_token")
		s.writeErr(rw, http.StatusBadRequest, cashu.BuildCashuError(err.Error(), cashu.InvalidTokenErrCode))
		return
	}

	summary, err := s.wallet.MeltQuotes(req.Context(), token)
	if err != nil {
		s.metrics.incSummary("failed")
		cashuErr := cashu.BuildCashuError(err.Error(), cashu.MeltSummaryErrCode)
		if errors.Is(err, cashu.ErrInvalidToken) || errors.Is(err, cashu.ErrInvalidUnit) {
			s.writeErr(rw, http.StatusBadRequest, cashuErr)
		} else {
			s.writeErr(rw, http.StatusBadGateway, cashuErr)
		}
		return
	}
	s.metrics.incSummary("created")

	response, err := newMeltSummaryResponse(summary, token.Unspent())
	if err != nil {
		s.writeErr(rw, http.StatusInternalServerError, cashu.StandardErr, err.Error())
		return
	}
	s.writeResponse(rw, response)
}

// pendingCount is the number of summaries in the journal waiting to be executed.
func (s *Server) pendingCount() float64 {
	records, err := s.wallet.MeltRecords()
	if err != nil {
		s.logger.Error(fmt.Sprintf("could not read melt records: %v", err))
		return 0
	}

	var count float64
	for _, record := range records {
		if record.State == storage.MeltQuoted {
			count++
		}
	}
	return count
}

func (s *Server) executeMelt(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]

	// summaries are kept only in the journal until executed
	summary, err := s.wallet.LoadMeltSummary(id)
	if err != nil {
		s.writeSummaryErr(rw, err)
		return
	}

	result, err := s.wallet.ExecuteMelts(req.Context(), summary)
	if err != nil {
		var partialErr *wallet.PartialMeltError
		if errors.As(err, &partialErr) {
			s.metrics.incExecution("partial")
			s.metrics.addDelivered(partialErr.Result.Amount)
			s.writeErr(rw, http.StatusBadGateway, MeltFailedResponse{
				Detail:          partialErr.Error(),
				Code:            cashu.MeltExecutionErrCode,
				RequestedAmount: summary.TotalAmount,
				PaidAmount:      partialErr.Result.Amount,
				FailedAt:        partialErr.FailedAt,
				Mint:            partialErr.Mint,
			})
			return
		}
		s.writeSummaryErr(rw, err)
		return
	}

	s.metrics.incExecution("paid")
	s.metrics.addDelivered(result.Amount)
	s.writeResponse(rw, MeltResponse{
		Id:              summary.Id,
		RequestedAmount: summary.TotalAmount,
		PaidAmount:      result.Amount,
	})
}

func (s *Server) cancelMelt(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]

	if err := s.wallet.CancelMelt(id); err != nil {
		s.writeSummaryErr(rw, err)
		return
	}

	s.writeResponse(rw, MeltStateResponse{Id: id, State: "cancelled"})
}

func (s *Server) getMelt(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]

	record, err := s.wallet.MeltRecord(id)
	if err != nil {
		s.writeSummaryErr(rw, err)
		return
	}

	response, err := newMeltRecordResponse(record)
	if err != nil {
		s.writeErr(rw, http.StatusInternalServerError, cashu.StandardErr, err.Error())
		return
	}
	s.writeResponse(rw, response)
}

func (s *Server) checkMeltProofs(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]

	checks, err := s.wallet.CheckFailedMelt(req.Context(), id)
	if err != nil {
		if errors.Is(err, client.ErrMintUnreachable) || errors.Is(err, client.ErrMintRejectedCheck) {
			s.writeErr(rw, http.StatusBadGateway, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode))
			return
		}
		s.writeSummaryErr(rw, err)
		return
	}

	response, err := newProofsCheckResponse(id, checks)
	if err != nil {
		s.writeErr(rw, http.StatusInternalServerError, cashu.StandardErr, err.Error())
		return
	}
	s.writeResponse(rw, response)
}

func (s *Server) writeSummaryErr(rw http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, wallet.ErrSummaryNotFound):
		s.writeErr(rw, http.StatusNotFound, cashu.SummaryNotExist, err.Error())
	case errors.Is(err, wallet.ErrSummaryNotPending), errors.Is(err, wallet.ErrSummaryExecuted),
		errors.Is(err, wallet.ErrSummaryNotFailed):
		s.writeErr(rw, http.StatusConflict, cashu.SummaryNotPending, err.Error())
	default:
		s.writeErr(rw, http.StatusInternalServerError, cashu.StandardErr, err.Error())
	}
}
