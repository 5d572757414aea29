package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/brojonat/paygate/service/config"
)

const (
	schemeAuthorization = "eip3009"
	schemeTransaction   = "transaction"

	// authTimeoutSeconds is the suggested validity window for signed
	// authorizations, surfaced to clients in the offer.
	authTimeoutSeconds = 300
)

// PaymentRequirement describes one way a client may pay for a resource.
type PaymentRequirement struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"` // CAIP-2, e.g. "eip155:8453"
	Asset             string            `json:"asset"`   // token contract address
	Amount            string            `json:"amount"`  // smallest unit
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Message           string            `json:"message,omitempty"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// PaymentOffer is the 402 response body: everything a client needs to pay for
// the resource it just requested.
type PaymentOffer struct {
	ID          string               `json:"id"`
	Error       string               `json:"error"`
	Resource    string               `json:"resource"`
	Description string               `json:"description"`
	PriceUSD    float64              `json:"price_usd"`
	Accepts     []PaymentRequirement `json:"accepts"`
	PaymentURL  string               `json:"payment_url"`
	QRCodeData  string               `json:"qr_code_data,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
}

// newPaymentOffer builds the offer for one priced resource.
func newPaymentOffer(cfg *config.Config, path string, svc config.ServiceConfig) PaymentOffer {
	network := fmt.Sprintf("eip155:%d", cfg.ChainID)
	paymentURL := buildEIP681URL(cfg.TokenAddress, cfg.PaymentAddress, svc.Price)

	qrCodeData, err := generateQRCode(paymentURL)
	if err != nil {
		// QR code is optional; the offer still tells the client how to pay.
		qrCodeData = ""
	}

	return PaymentOffer{
		ID:          uuid.New().String(),
		Error:       "payment required",
		Resource:    path,
		Description: svc.Description,
		PriceUSD:    svc.PriceUSD,
		Accepts: []PaymentRequirement{
			{
				Scheme:            schemeAuthorization,
				Network:           network,
				Asset:             cfg.TokenAddress,
				Amount:            svc.Price,
				PayTo:             cfg.PaymentAddress,
				MaxTimeoutSeconds: authTimeoutSeconds,
				Extra: map[string]string{
					"name":    cfg.TokenName,
					"version": cfg.TokenVersion,
					"chainId": fmt.Sprintf("%d", cfg.ChainID),
				},
			},
			{
				Scheme:            schemeTransaction,
				Network:           network,
				Asset:             cfg.TokenAddress,
				Amount:            svc.Price,
				PayTo:             cfg.PaymentAddress,
				MaxTimeoutSeconds: authTimeoutSeconds,
				Message:           "transfer the exact amount to payTo, then retry with the Payment-Tx header",
			},
		},
		PaymentURL: paymentURL,
		QRCodeData: qrCodeData,
		CreatedAt:  time.Now(),
	}
}

// encodeOfferHeader serializes an offer for the PAYMENT-REQUIRED response
// header, base64 so it survives header transport.
func encodeOfferHeader(offer PaymentOffer) string {
	raw, err := json.Marshal(offer)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// buildEIP681URL creates an EIP-681 payment request URL for an ERC-20 transfer.
// Format: ethereum:{token}/transfer?address={recipient}&uint256={amount}
func buildEIP681URL(token, recipient, amount string) string {
	params := url.Values{}
	params.Set("address", recipient)
	params.Set("uint256", amount)
	return fmt.Sprintf("ethereum:%s/transfer?%s", token, params.Encode())
}

// generateQRCode creates a QR code image from a payment URL and returns it as base64-encoded PNG.
func generateQRCode(data string) (string, error) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}

	png, err := qr.PNG(256)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code as PNG: %w", err)
	}

	return base64.StdEncoding.EncodeToString(png), nil
}
