// Package gateway is the batch push-gateway HTTP client: send accepts up to
// 100 messages per call and returns one per-token result in request order;
// receipts are fetched later, up to 200 ticket ids per call.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// MaxSendBatch is the gateway's per-call message limit.
	MaxSendBatch = 100
	// MaxReceiptBatch is the gateway's per-call ticket-id limit.
	MaxReceiptBatch = 200

	// StatusOK is the per-token and per-receipt success status.
	StatusOK = "ok"
	// CodeDeviceNotRegistered is the permanent per-recipient rejection; the
	// implicated device must be disabled, not retried.
	CodeDeviceNotRegistered = "DeviceNotRegistered"
)

// Message is one push request for a single token.
type Message struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type ErrorDetails struct {
	Error string `json:"error"`
}

// SendResult is the gateway's per-token outcome; ID is the ticket later
// exchanged for a receipt.
type SendResult struct {
	Status  string        `json:"status"`
	ID      string        `json:"id,omitempty"`
	Message string        `json:"message,omitempty"`
	Details *ErrorDetails `json:"details,omitempty"`
}

// ErrorCode returns the structured error code, if any.
func (r SendResult) ErrorCode() string {
	if r.Details == nil {
		return ""
	}
	return r.Details.Error
}

// Receipt is the asynchronous confirmation of final delivery for a ticket.
type Receipt struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Details *ErrorDetails `json:"details,omitempty"`
}

func (r Receipt) ErrorCode() string {
	if r.Details == nil {
		return ""
	}
	return r.Details.Error
}

type Client interface {
	Send(ctx context.Context, messages []Message) ([]SendResult, error)
	GetReceipts(ctx context.Context, ticketIDs []string) (map[string]Receipt, error)
}

type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Send posts one chunk of messages. The response carries exactly one result
// per message, in request order.
func (c *HTTPClient) Send(ctx context.Context, messages []Message) ([]SendResult, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	if len(messages) > MaxSendBatch {
		return nil, fmt.Errorf("gateway: send batch of %d exceeds limit %d", len(messages), MaxSendBatch)
	}

	var envelope struct {
		Data []SendResult `json:"data"`
	}
	if err := c.post(ctx, "/send", messages, &envelope); err != nil {
		return nil, err
	}
	if len(envelope.Data) != len(messages) {
		return nil, fmt.Errorf("gateway: got %d results for %d messages", len(envelope.Data), len(messages))
	}
	return envelope.Data, nil
}

// GetReceipts fetches receipts for one chunk of ticket ids. Tickets absent
// from the returned map have no receipt yet.
func (c *HTTPClient) GetReceipts(ctx context.Context, ticketIDs []string) (map[string]Receipt, error) {
	if len(ticketIDs) == 0 {
		return nil, nil
	}
	if len(ticketIDs) > MaxReceiptBatch {
		return nil, fmt.Errorf("gateway: receipt batch of %d exceeds limit %d", len(ticketIDs), MaxReceiptBatch)
	}

	req := struct {
		IDs []string `json:"ids"`
	}{IDs: ticketIDs}

	var envelope struct {
		Data map[string]Receipt `json:"data"`
	}
	if err := c.post(ctx, "/getReceipts", req, &envelope); err != nil {
		return nil, err
	}
	return envelope.Data, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("gateway: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("gateway: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "pushpipe/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("gateway: %s returned %d: %s", path, resp.StatusCode, snippet)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway: decode response: %w", err)
	}
	return nil
}
