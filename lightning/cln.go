package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elnosh/nutmelt/cashu"
)

type CLNConfig struct {
	RestURL string
	Rune    string
}

// CLNClient talks to the clnrest plugin of a Core Lightning node.
type CLNClient struct {
	config CLNConfig
	client *http.Client
}

type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func SetupCLNClient(config CLNConfig) (*CLNClient, error) {
	if len(config.RestURL) == 0 {
		return nil, errors.New("CLN rest url cannot be empty")
	}
	return &CLNClient{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (cln *CLNClient) post(ctx context.Context, url string, body any) ([]byte, error) {
	var jsonData []byte
	if body != nil {
		var err error
		jsonData, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Rune", cln.config.Rune)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := cln.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var errRes ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errRes); err != nil {
			return nil, fmt.Errorf("CLN responded with status %v: %s", resp.StatusCode, bodyBytes)
		}
		return nil, errors.New(errRes.Message)
	}

	return bodyBytes, nil
}

func (cln *CLNClient) ConnectionStatus() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := cln.post(ctx, cln.config.RestURL+"/v1/getinfo", nil); err != nil {
		return fmt.Errorf("could not get connection status from CLN: %v", err)
	}
	return nil
}

func (cln *CLNClient) CreateInvoice(ctx context.Context, amount uint64, memo string) (Invoice, error) {
	label, err := cashu.GenerateRandomId()
	if err != nil {
		return Invoice{}, err
	}

	body := map[string]any{
		"amount_msat": amount * 1000,
		"label":       label,
		"description": memo,
		"expiry":      InvoiceExpiryTime,
	}

	bodyBytes, err := cln.post(ctx, cln.config.RestURL+"/v1/invoice", body)
	if err != nil {
		return Invoice{}, fmt.Errorf("could not create invoice: %v", err)
	}

	var response struct {
		Bolt11      string `json:"bolt11"`
		PaymentHash string `json:"payment_hash"`
		ExpiresAt   uint64 `json:"expires_at"`
	}
	if err := json.Unmarshal(bodyBytes, &response); err != nil {
		return Invoice{}, err
	}

	return Invoice{
		PaymentRequest: response.Bolt11,
		PaymentHash:    response.PaymentHash,
		Amount:         amount,
		Expiry:         response.ExpiresAt,
	}, nil
}
