package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"navdrishti/internal/models"
)

// OrderRef is the gateway's server-side representation of a checkout
// session, distinct from our own Order.
type OrderRef struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// Client wraps the payment gateway's order API and signature scheme.
type Client struct {
	baseURL   string
	keyID     string
	keySecret string
	currency  string
	http      *http.Client
}

// NewClient creates a gateway client. keySecret signs client payment
// confirmations and webhook bodies.
func NewClient(baseURL, keyID, keySecret, currency string) *Client {
	return &Client{
		baseURL:   baseURL,
		keyID:     keyID,
		keySecret: keySecret,
		currency:  currency,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Currency returns the configured settlement currency.
func (c *Client) Currency() string {
	return c.currency
}

type createOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// CreateOrder issues a gateway order for the given amount in minor
// units. Upstream failures surface as ErrGatewayUnavailable so the
// caller never confirms an order the gateway knows nothing about.
func (c *Client) CreateOrder(ctx context.Context, amount int64, receipt string, notes map[string]string) (*OrderRef, error) {
	body, err := json.Marshal(createOrderRequest{
		Amount:   amount,
		Currency: c.currency,
		Receipt:  receipt,
		Notes:    notes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gateway order request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: gateway returned %d", models.ErrGatewayUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("gateway rejected order creation: status %d", resp.StatusCode)
	}

	var ref OrderRef
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return nil, fmt.Errorf("failed to decode gateway order response: %w", err)
	}
	if ref.ID == "" {
		return nil, fmt.Errorf("gateway order response missing id")
	}

	return &ref, nil
}
