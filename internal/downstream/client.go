// Package downstream holds the typed HTTP clients for the customer, orders,
// and tracking services the processors call. The mesh runtime never sees
// these; they are implementation details of individual processors.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/meshline/supportmesh/internal/mesh"
)

// ErrNotFound marks a 404 from a downstream service.
var ErrNotFound = fmt.Errorf("downstream: not found")

// Config names the three service base URLs.
type Config struct {
	CustomerURL string
	OrdersURL   string
	TrackingURL string
}

// Client bundles the three downstream services behind one handle.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New builds a downstream client with a bounded request timeout.
func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger.With("component", "downstream"),
	}
}

// GetCustomer fetches the customer profile for an email address.
func (c *Client) GetCustomer(ctx context.Context, email string) (*mesh.Customer, error) {
	var customer mesh.Customer
	u := fmt.Sprintf("%s/customers/%s", c.cfg.CustomerURL, url.PathEscape(email))
	if err := c.getJSON(ctx, u, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

// GetOrders fetches the recent orders for an email address.
func (c *Client) GetOrders(ctx context.Context, email string) ([]mesh.Order, error) {
	var orders []mesh.Order
	u := fmt.Sprintf("%s/customers/%s/orders", c.cfg.OrdersURL, url.PathEscape(email))
	if err := c.getJSON(ctx, u, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// TrackingStatus fetches the delivery status for a tracking number.
func (c *Client) TrackingStatus(ctx context.Context, trackingNumber string) (string, error) {
	var out struct {
		TrackingNumber string `json:"tracking_number"`
		Status         string `json:"status"`
	}
	u := fmt.Sprintf("%s/tracking/%s/status", c.cfg.TrackingURL, url.PathEscape(trackingNumber))
	if err := c.getJSON(ctx, u, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// ExpediteOrder asks the orders service to expedite an order.
func (c *Client) ExpediteOrder(ctx context.Context, orderID string) error {
	u := fmt.Sprintf("%s/orders/%s/expedite", c.cfg.OrdersURL, url.PathEscape(orderID))
	return c.postJSON(ctx, u, map[string]any{"expedited_by": "supportmesh"})
}

// CancelOrder asks the orders service to cancel an order.
func (c *Client) CancelOrder(ctx context.Context, orderID, reason string) error {
	u := fmt.Sprintf("%s/orders/%s/cancel", c.cfg.OrdersURL, url.PathEscape(orderID))
	return c.postJSON(ctx, u, map[string]any{"reason": reason, "cancelled_by": "supportmesh"})
}

// ProcessRefund asks the orders service to refund an order.
func (c *Client) ProcessRefund(ctx context.Context, orderID string, amount float64, reason string) error {
	u := fmt.Sprintf("%s/orders/%s/refund", c.cfg.OrdersURL, url.PathEscape(orderID))
	return c.postJSON(ctx, u, map[string]any{
		"amount":       amount,
		"reason":       reason,
		"processed_by": "supportmesh",
	})
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("downstream: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("downstream: %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downstream: %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("downstream: read %s: %w", url, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("downstream: decode %s: %w", url, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("downstream: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("downstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("downstream: %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("downstream: %s: status %d", url, resp.StatusCode)
	}
	return nil
}
