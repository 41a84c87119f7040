// Package client implements the requests a wallet makes to a mint
// to melt ecash.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elnosh/nutmelt/cashu"
	"github.com/elnosh/nutmelt/cashu/nuts/nut05"
	"github.com/elnosh/nutmelt/cashu/nuts/nut07"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrMintUnreachable   = errors.New("mint unreachable")
	ErrMintRejectedQuote = errors.New("mint rejected melt quote request")
	ErrMintRejectedMelt  = errors.New("mint rejected melt request")
	ErrMintRejectedCheck = errors.New("mint rejected proof state check")
	// ErrMeltNotPaid means the mint accepted the melt request but did not
	// pay the invoice. The proofs sent may or may not have been spent.
	ErrMeltNotPaid = errors.New("melt not paid")
)

// MintClient makes requests to mints. The zero value is not usable, use New.
type MintClient struct {
	httpClient *http.Client
}

// New returns a MintClient whose requests time out after timeout.
// A timeout of 0 uses DefaultTimeout.
func New(timeout time.Duration) *MintClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &MintClient{httpClient: &http.Client{Timeout: timeout}}
}

// PostMeltQuoteBolt11 requests a quote from the mint to pay the bolt11 invoice.
func (c *MintClient) PostMeltQuoteBolt11(
	ctx context.Context,
	mintURL string,
	meltQuoteRequest nut05.PostMeltQuoteBolt11Request,
) (*nut05.PostMeltQuoteBolt11Response, error) {
	body, err := c.httpPost(ctx, mintURL+"/v1/melt/quote/bolt11", meltQuoteRequest)
	if err != nil {
		return nil, mapError(ErrMintRejectedQuote, err)
	}

	var meltQuoteResponse nut05.PostMeltQuoteBolt11Response
	if err := json.Unmarshal(body, &meltQuoteResponse); err != nil {
		return nil, fmt.Errorf("%w: error reading response from mint: %v", ErrMintRejectedQuote, err)
	}
	if len(meltQuoteResponse.Quote) == 0 {
		return nil, fmt.Errorf("%w: mint returned quote without id", ErrMintRejectedQuote)
	}

	return &meltQuoteResponse, nil
}

// PostMeltBolt11 asks the mint to pay the quote with the proofs in the request.
// A response that is not paid is returned along with ErrMeltNotPaid.
func (c *MintClient) PostMeltBolt11(
	ctx context.Context,
	mintURL string,
	meltRequest nut05.PostMeltBolt11Request,
) (*nut05.PostMeltBolt11Response, error) {
	body, err := c.httpPost(ctx, mintURL+"/v1/melt/bolt11", meltRequest)
	if err != nil {
		return nil, mapError(ErrMintRejectedMelt, err)
	}

	var meltResponse nut05.PostMeltBolt11Response
	if err := json.Unmarshal(body, &meltResponse); err != nil {
		return nil, fmt.Errorf("%w: error reading response from mint: %v", ErrMintRejectedMelt, err)
	}

	if !meltResponse.IsPaid() {
		return &meltResponse, fmt.Errorf("%w: quote '%v' is %v", ErrMeltNotPaid,
			meltRequest.Quote, meltResponse.PaymentState())
	}

	return &meltResponse, nil
}

// PostCheckProofState asks the mint for the state of the proofs with the Ys in the request.
func (c *MintClient) PostCheckProofState(
	ctx context.Context,
	mintURL string,
	stateRequest nut07.PostCheckStateRequest,
) (*nut07.PostCheckStateResponse, error) {
	body, err := c.httpPost(ctx, mintURL+"/v1/checkstate", stateRequest)
	if err != nil {
		return nil, mapError(ErrMintRejectedCheck, err)
	}

	var stateResponse nut07.PostCheckStateResponse
	if err := json.Unmarshal(body, &stateResponse); err != nil {
		return nil, fmt.Errorf("%w: error reading response from mint: %v", ErrMintRejectedCheck, err)
	}
	if len(stateResponse.States) != len(stateRequest.Ys) {
		return nil, fmt.Errorf("%w: mint returned %v states for %v proofs", ErrMintRejectedCheck,
			len(stateResponse.States), len(stateRequest.Ys))
	}

	return &stateResponse, nil
}

// transportError is a failure to get any response from the mint.
type transportError struct {
	err error
}

func (e transportError) Error() string { return e.err.Error() }

func mapError(rejected error, err error) error {
	var terr transportError
	if errors.As(err, &terr) {
		return fmt.Errorf("%w: %v", ErrMintUnreachable, terr.err)
	}
	return fmt.Errorf("%w: %w", rejected, err)
}

func (c *MintClient) httpPost(ctx context.Context, url string, request any) ([]byte, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError{err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError{err: err}
	}

	if err := parse(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func parse(statusCode int, body []byte) error {
	if statusCode == http.StatusBadRequest {
		var errResponse cashu.Error
		if err := json.Unmarshal(body, &errResponse); err != nil {
			return fmt.Errorf("could not decode error response from mint: %v", err)
		}
		return errResponse
	}

	if statusCode != http.StatusOK {
		return fmt.Errorf("mint responded with status %v: %s", statusCode, strings.TrimSpace(string(body)))
	}

	return nil
}
