package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Payment is a verified payment record returned by the history endpoint.
type Payment struct {
	TxHash      string `json:"tx_hash"`
	FromAddress string `json:"from_address"`
	Amount      string `json:"amount"`
	Service     string `json:"service"`
	BlockTime   int64  `json:"block_time"`
	VerifiedAt  int64  `json:"verified_at"`
}

// History is the response from the payment history endpoint.
type History struct {
	Address  string     `json:"address"`
	Payments []*Payment `json:"payments"`
	Count    int        `json:"count"`
}

// Stats is the response from the stats endpoint.
type Stats struct {
	Count        int64  `json:"count"`
	TotalAmount  string `json:"total_amount"`
	TotalUSD     string `json:"total_usd"`
	UniquePayers int64  `json:"unique_payers"`
}

// PaymentRequirement describes one accepted payment method in an offer.
type PaymentRequirement struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	Asset             string            `json:"asset"`
	Amount            string            `json:"amount"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Message           string            `json:"message,omitempty"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// PaymentOffer is the structured 402 challenge returned for an unpaid request.
type PaymentOffer struct {
	ID          string               `json:"id"`
	Error       string               `json:"error"`
	Resource    string               `json:"resource"`
	Description string               `json:"description"`
	PriceUSD    float64              `json:"price_usd"`
	Accepts     []PaymentRequirement `json:"accepts"`
	PaymentURL  string               `json:"payment_url"`
	QRCodeData  string               `json:"qr_code_data,omitempty"`
}

// PaymentRequiredError is returned when the server demands payment: either no
// proof was supplied (Offer is set) or the supplied proof was rejected
// (Reason/Detail are set).
type PaymentRequiredError struct {
	Offer  *PaymentOffer
	Reason string
	Detail string
}

func (e *PaymentRequiredError) Error() string {
	if e.Offer != nil {
		return fmt.Sprintf("payment required: %s costs %s", e.Offer.Resource, e.Offer.Accepts[0].Amount)
	}
	return fmt.Sprintf("payment rejected: %s: %s", e.Reason, e.Detail)
}

// Proof carries a payment proof for a priced request. Set exactly one field.
type Proof struct {
	// TxHash is an on-chain transaction hash for the Payment-Tx header.
	TxHash string
	// Signature is a base64-encoded signed authorization for the
	// Payment-Signature header.
	Signature string
}

// Client is the HTTP client for the paygate service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new paygate service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Get fetches a priced resource, attaching the payment proof if one is given.
// The raw response body is returned on success. A 402 is surfaced as a
// *PaymentRequiredError so callers can inspect the offer or rejection reason.
func (c *Client) Get(ctx context.Context, path string, proof *Proof) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if proof != nil {
		if proof.TxHash != "" {
			req.Header.Set("Payment-Tx", proof.TxHash)
		}
		if proof.Signature != "" {
			req.Header.Set("Payment-Signature", proof.Signature)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		c.logger.Debug("resource fetched", "path", path)
		return body, nil
	case http.StatusPaymentRequired:
		return nil, parsePaymentRequired(body)
	default:
		return nil, parseErrorBody(resp.StatusCode, body)
	}
}

// History retrieves verified payments from the given payer address.
func (c *Client) History(ctx context.Context, address string, limit int) (*History, error) {
	u := fmt.Sprintf("%s/api/v1/payments/%s", c.baseURL, url.PathEscape(address))
	if limit > 0 {
		u = fmt.Sprintf("%s?limit=%d", u, limit)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var history History
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &history, nil
}

// Stats retrieves aggregate payment statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/v1/stats", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &stats, nil
}

// Health checks whether the service is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// parsePaymentRequired decodes a 402 body into a PaymentRequiredError.
func parsePaymentRequired(body []byte) error {
	var offer PaymentOffer
	if err := json.Unmarshal(body, &offer); err == nil && len(offer.Accepts) > 0 {
		return &PaymentRequiredError{Offer: &offer}
	}

	var rejection struct {
		Reason string `json:"reason"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &rejection); err == nil && rejection.Reason != "" {
		return &PaymentRequiredError{Reason: rejection.Reason, Detail: rejection.Detail}
	}

	return &PaymentRequiredError{Reason: "unknown", Detail: string(body)}
}

// parseErrorResponse extracts an error message from an error response body.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return parseErrorBody(resp.StatusCode, body)
}

func parseErrorBody(statusCode int, body []byte) error {
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", statusCode, string(body))
	}
	return fmt.Errorf("request failed: %s", errResp.Error)
}
