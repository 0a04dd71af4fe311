package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ShipmentRequest describes a pickup for the carrier.
type ShipmentRequest struct {
	OrderNumber     string  `json:"order_number"`
	PickupAddress   string  `json:"pickup_address"`
	DeliveryAddress string  `json:"delivery_address"`
	WeightGrams     int     `json:"weight_grams"`
	LengthCM        float64 `json:"length_cm"`
	WidthCM         float64 `json:"width_cm"`
	HeightCM        float64 `json:"height_cm"`
}

// ShipmentRef is the carrier's acknowledgement of a booked pickup.
type ShipmentRef struct {
	Waybill          string    `json:"waybill"`
	Carrier          string    `json:"carrier"`
	PickupDate       time.Time `json:"pickup_date"`
	ExpectedDelivery time.Time `json:"expected_delivery"`
}

// ScanEvent is one tracking scan reported by the carrier.
type ScanEvent struct {
	Status     string    `json:"status"`
	Location   string    `json:"location"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Client talks to the external carrier API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// CreateShipment books a pickup and returns the carrier waybill.
func (c *Client) CreateShipment(ctx context.Context, req *ShipmentRequest) (*ShipmentRef, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal shipment request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/shipments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build carrier request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("carrier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("carrier rejected shipment: status %d", resp.StatusCode)
	}

	var ref ShipmentRef
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return nil, fmt.Errorf("failed to decode carrier response: %w", err)
	}
	if ref.Waybill == "" {
		return nil, fmt.Errorf("carrier response missing waybill")
	}

	return &ref, nil
}

// Track fetches the scan history for a waybill.
func (c *Client) Track(ctx context.Context, waybill string) ([]ScanEvent, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/track/"+waybill, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build tracking request: %w", err)
	}
	httpReq.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("carrier tracking request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("waybill %s unknown to carrier", waybill)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("carrier tracking failed: status %d", resp.StatusCode)
	}

	var events []ScanEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("failed to decode tracking response: %w", err)
	}

	return events, nil
}
