package lightning

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"
)

const (
	LND_HOST          = "LND_REST_HOST"
	LND_CERT_PATH     = "LND_CERT_PATH"
	LND_MACAROON_PATH = "LND_MACAROON_PATH"
)

type LndClient struct {
	host     string
	client   *http.Client
	macaroon string // hex encoded
}

func CreateLndClient() (*LndClient, error) {
	host := os.Getenv(LND_HOST)
	if host == "" {
		return nil, errors.New(LND_HOST + " cannot be empty")
	}
	certPath := os.Getenv(LND_CERT_PATH)
	if certPath == "" {
		return nil, errors.New(LND_CERT_PATH + " cannot be empty")
	}
	macaroonPath := os.Getenv(LND_MACAROON_PATH)
	if macaroonPath == "" {
		return nil, errors.New(LND_MACAROON_PATH + " cannot be empty")
	}

	macaroonBytes, err := os.ReadFile(macaroonPath)
	if err != nil {
		return nil, fmt.Errorf("error reading macaroon: os.ReadFile %v", err)
	}
	macaroonHex := hex.EncodeToString(macaroonBytes)
	client, err := httpClient(certPath)
	if err != nil {
		return nil, fmt.Errorf("error creating lnd client: %v", err)
	}

	return &LndClient{host: host, client: client, macaroon: macaroonHex}, nil
}

func httpClient(tlsCert string) (*http.Client, error) {
	cert, err := os.ReadFile(tlsCert)
	if err != nil {
		return nil, fmt.Errorf("error reading cert: %v", err)
	}
	certPool := x509.NewCertPool()
	certPool.AppendCertsFromPEM(cert)

	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs: certPool,
			},
		},
	}, nil
}

func (lnd *LndClient) request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(jsonBody)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, lnd.host+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Grpc-Metadata-macaroon", lnd.macaroon)

	return lnd.client.Do(req)
}

func (lnd *LndClient) ConnectionStatus() error {
	resp, err := lnd.request(context.Background(), http.MethodGet, "/v1/getinfo", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("could not get connection status from lnd")
	}
	return nil
}

type addInvoiceResponse struct {
	Hash           string `json:"r_hash"`
	PaymentRequest string `json:"payment_request"`
}

func (lnd *LndClient) CreateInvoice(amount uint64) (Invoice, error) {
	body := map[string]any{"value": amount, "expiry": InvoiceExpiryTime}

	resp, err := lnd.request(context.Background(), http.MethodPost, "/v1/invoices", body)
	if err != nil {
		return Invoice{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Invoice{}, fmt.Errorf("unable to get invoice from lnd")
	}

	var res addInvoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Invoice{}, fmt.Errorf("error parsing response from lnd: %v", err)
	}

	hashBytes, err := base64.StdEncoding.DecodeString(res.Hash)
	if err != nil {
		return Invoice{}, fmt.Errorf("error decoding hash from lnd: %v", err)
	}
	hash := hex.EncodeToString(hashBytes)

	return Invoice{
		PaymentRequest: res.PaymentRequest,
		PaymentHash:    hash,
		Amount:         amount,
		Expiry:         uint64(time.Now().Add(InvoiceExpiryTime * time.Second).Unix()),
	}, nil
}

func (lnd *LndClient) InvoiceStatus(hash string) (Invoice, error) {
	hashBytes, err := hex.DecodeString(hash)
	if err != nil {
		return Invoice{}, fmt.Errorf("invalid hash provided")
	}
	b64EncodedHash := base64.URLEncoding.EncodeToString(hashBytes)

	resp, err := lnd.request(context.Background(), http.MethodGet, "/v2/invoices/lookup?payment_hash="+b64EncodedHash, nil)
	if err != nil {
		return Invoice{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Invoice{}, fmt.Errorf("error getting invoice status")
	}

	var res struct {
		State          string `json:"state"`
		PaymentRequest string `json:"payment_request"`
		RPreimage      string `json:"r_preimage"`
		Value          string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Invoice{}, fmt.Errorf("error parsing response from lnd: %v", err)
	}

	amount, _ := strconv.ParseUint(res.Value, 10, 64)
	preimageBytes, _ := base64.StdEncoding.DecodeString(res.RPreimage)

	return Invoice{
		PaymentRequest: res.PaymentRequest,
		PaymentHash:    hash,
		Preimage:       hex.EncodeToString(preimageBytes),
		Settled:        res.State == "SETTLED",
		Amount:         amount,
	}, nil
}

func (lnd *LndClient) FeeReserve(amount uint64) uint64 {
	return amount * FeePercent / 100
}

func (lnd *LndClient) SendPayment(ctx context.Context, request string, maxFee uint64) (PaymentStatus, error) {
	body := map[string]any{"payment_request": request, "fee_limit_sat": maxFee}

	resp, err := lnd.request(ctx, http.MethodPost, "/v1/channels/transactions", body)
	if err != nil {
		return PaymentStatus{PaymentStatus: Pending}, fmt.Errorf("error making payment: %v", err)
	}
	defer resp.Body.Close()

	var res struct {
		PaymentError    string `json:"payment_error"`
		PaymentPreimage string `json:"payment_preimage"`
		PaymentRoute    struct {
			TotalFeesMsat string `json:"total_fees_msat"`
		} `json:"payment_route"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return PaymentStatus{PaymentStatus: Pending}, fmt.Errorf("error parsing response from lnd: %v", err)
	}

	if len(res.PaymentError) > 0 {
		return PaymentStatus{PaymentStatus: Failed}, fmt.Errorf("unable to make payment: %v", res.PaymentError)
	}

	preimageBytes, err := base64.StdEncoding.DecodeString(res.PaymentPreimage)
	if err != nil {
		return PaymentStatus{PaymentStatus: Pending}, nil
	}

	feeMsat, _ := strconv.ParseUint(res.PaymentRoute.TotalFeesMsat, 10, 64)
	return PaymentStatus{
		Preimage:      hex.EncodeToString(preimageBytes),
		PaymentStatus: Succeeded,
		ActualFeeSat:  feeMsat / 1000,
	}, nil
}

func (lnd *LndClient) OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error) {
	resp, err := lnd.request(ctx, http.MethodGet, "/v1/payments?include_incomplete=true", nil)
	if err != nil {
		return PaymentStatus{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return PaymentStatus{}, fmt.Errorf("error getting payment status")
	}

	var res struct {
		Payments []struct {
			PaymentHash string `json:"payment_hash"`
			Status      string `json:"status"`
			Preimage    string `json:"payment_preimage"`
			FeeMsat     string `json:"fee_msat"`
		} `json:"payments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return PaymentStatus{}, err
	}

	for _, p := range res.Payments {
		if p.PaymentHash != hash {
			continue
		}
		switch p.Status {
		case "SUCCEEDED":
			feeMsat, _ := strconv.ParseUint(p.FeeMsat, 10, 64)
			return PaymentStatus{PaymentStatus: Succeeded, Preimage: p.Preimage, ActualFeeSat: feeMsat / 1000}, nil
		case "FAILED":
			return PaymentStatus{PaymentStatus: Failed}, nil
		default:
			return PaymentStatus{PaymentStatus: Pending}, nil
		}
	}

	return PaymentStatus{}, OutgoingPaymentNotFound
}

func (lnd *LndClient) SubscribeInvoice(ctx context.Context, paymentHash string) (InvoiceSubscriptionClient, error) {
	hashBytes, err := hex.DecodeString(paymentHash)
	if err != nil {
		return nil, fmt.Errorf("invalid hash provided")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		lnd.host+"/v2/invoices/subscribe/"+base64.URLEncoding.EncodeToString(hashBytes), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Grpc-Metadata-macaroon", lnd.macaroon)

	resp, err := lnd.client.Do(req)
	if err != nil {
		return nil, err
	}

	return &lndInvoiceSub{paymentHash: paymentHash, resp: resp}, nil
}

type lndInvoiceSub struct {
	paymentHash string
	resp        *http.Response
}

func (sub *lndInvoiceSub) Recv() (Invoice, error) {
	var wrapper struct {
		Result struct {
			State       string `json:"state"`
			RPreimage   string `json:"r_preimage"`
			Value       string `json:"value"`
			PaymentAddr string `json:"payment_addr"`
		} `json:"result"`
	}

	if err := json.NewDecoder(sub.resp.Body).Decode(&wrapper); err != nil {
		return Invoice{}, err
	}

	amount, _ := strconv.ParseUint(wrapper.Result.Value, 10, 64)
	preimageBytes, _ := base64.StdEncoding.DecodeString(wrapper.Result.RPreimage)

	return Invoice{
		PaymentHash: sub.paymentHash,
		Preimage:    hex.EncodeToString(preimageBytes),
		Settled:     wrapper.Result.State == "SETTLED",
		Amount:      amount,
	}, nil
}
