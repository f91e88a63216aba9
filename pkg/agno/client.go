// Package agno is a client for the Agno payment API: it creates orders from
// line items and builds the wallet checkout URL for an order id.
package agno

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultAPIURL    = "https://agnoapi.vercel.app"
	DefaultWalletURL = "http://localhost:3000"
)

// ErrNoLineItems is returned before any call when an order has no items.
var ErrNoLineItems = errors.New("line_items is required and cannot be empty")

// LineItem is one order line. Amount is in minor currency units.
type LineItem struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Quantity    int    `json:"quantity"`
}

// CreateOrderRequest is the body of POST /v1/orders.
type CreateOrderRequest struct {
	LineItems []LineItem `json:"line_items"`
}

// Order is the API's response. ID is opaque and safe to use as a path segment
// once escaped.
type Order struct {
	ID     string `json:"id"`
	UUID   string `json:"uuid,omitempty"`
	Status string `json:"status"`
}

// APIError is a non-success response from the payment API.
type APIError struct {
	StatusCode int             `json:"-"`
	Message    string          `json:"message"`
	Code       string          `json:"code,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("agno: %s (%s, status %d)", e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("agno: %s (status %d)", e.Message, e.StatusCode)
}

// Client calls the payment API with a bearer key.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewClient creates a Client. An empty baseURL uses DefaultAPIURL.
func NewClient(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// CreateOrder creates an order for the given line items.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	if len(req.LineItems) == 0 {
		return nil, ErrNoLineItems
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("agno: encode order: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("agno: network error while creating order: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("agno: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}

	var order Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("agno: decode order: %w", err)
	}
	if order.ID == "" {
		order.ID = order.UUID
	}
	return &order, nil
}

func decodeAPIError(status int, data []byte) *APIError {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	apiErr := &APIError{StatusCode: status, Message: "Failed to create order"}
	if err := json.Unmarshal(data, &envelope); err != nil || len(envelope.Error) == 0 {
		return apiErr
	}
	apiErr.Details = envelope.Error
	var inner struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if json.Unmarshal(envelope.Error, &inner) == nil {
		if inner.Message != "" {
			apiErr.Message = inner.Message
		}
		apiErr.Code = inner.Code
	}
	return apiErr
}

// Style customizes the embedded checkout page.
type Style struct {
	Transparent     bool
	PrimaryColor    string
	BackgroundColor string
	TextColor       string
	BorderRadius    string
	FontFamily      string
}

// CheckoutURL returns {walletURL}/order/{orderID} with style query parameters.
func CheckoutURL(walletURL, orderID string, style Style) string {
	if walletURL == "" {
		walletURL = DefaultWalletURL
	}
	u := strings.TrimRight(walletURL, "/") + "/order/" + url.PathEscape(orderID)

	q := url.Values{}
	if style.Transparent {
		q.Set("transparent", "true")
	}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("primaryColor", style.PrimaryColor)
	set("backgroundColor", style.BackgroundColor)
	set("textColor", style.TextColor)
	set("borderRadius", style.BorderRadius)
	set("fontFamily", style.FontFamily)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}
