package lightning

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"
)

type LndConfig struct {
	GRPCHost string
	Cert     credentials.TransportCredentials
	Macaroon macaroons.MacaroonCredential
}

type LndClient struct {
	grpcClient lnrpc.LightningClient
}

func SetupLndClient(config LndConfig) (*LndClient, error) {
	if len(config.GRPCHost) == 0 {
		return nil, errors.New("lnd grpc host cannot be empty")
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(config.Cert),
		grpc.WithPerRPCCredentials(config.Macaroon),
	}

	conn, err := grpc.NewClient(config.GRPCHost, opts...)
	if err != nil {
		return nil, fmt.Errorf("error setting up grpc client: %v", err)
	}

	return &LndClient{grpcClient: lnrpc.NewLightningClient(conn)}, nil
}

// LndConfigFromFiles builds the config from the tls cert and macaroon
// files of an lnd node.
func LndConfigFromFiles(host, certPath, macaroonPath string) (LndConfig, error) {
	creds, err := credentials.NewClientTLSFromFile(certPath, "")
	if err != nil {
		return LndConfig{}, fmt.Errorf("error reading tls cert: %v", err)
	}

	macaroonBytes, err := os.ReadFile(macaroonPath)
	if err != nil {
		return LndConfig{}, fmt.Errorf("error reading macaroon: os.ReadFile %v", err)
	}

	mac := &macaroon.Macaroon{}
	if err = mac.UnmarshalBinary(macaroonBytes); err != nil {
		return LndConfig{}, fmt.Errorf("unable to decode macaroon: %v", err)
	}
	macarooncreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return LndConfig{}, fmt.Errorf("error setting macaroon creds: %v", err)
	}

	return LndConfig{
		GRPCHost: host,
		Cert:     creds,
		Macaroon: macarooncreds,
	}, nil
}

func (lnd *LndClient) ConnectionStatus() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := lnd.grpcClient.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return fmt.Errorf("could not get connection status from LND: %v", err)
	}
	return nil
}

func (lnd *LndClient) CreateInvoice(ctx context.Context, amount uint64, memo string) (Invoice, error) {
	invoiceRequest := lnrpc.Invoice{
		Value:  int64(amount),
		Memo:   memo,
		Expiry: InvoiceExpiryTime,
	}

	addInvoiceResponse, err := lnd.grpcClient.AddInvoice(ctx, &invoiceRequest)
	if err != nil {
		return Invoice{}, fmt.Errorf("could not create invoice: %v", err)
	}

	return Invoice{
		PaymentRequest: addInvoiceResponse.PaymentRequest,
		PaymentHash:    hex.EncodeToString(addInvoiceResponse.RHash),
		Amount:         amount,
		Expiry:         uint64(time.Now().Add(InvoiceExpiryTime * time.Second).Unix()),
	}, nil
}
