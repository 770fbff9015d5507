// Package vendorapi talks to the delivery vendor's send endpoint and ships a
// stand-in for that vendor which reports outcomes back as receipts.
package vendorapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"basegraph.app/courier/internal/model"
)

const (
	sendPath                 = "/send"
	responseBodyLimit  int64 = 1024
	defaultSendTimeout       = 30 * time.Second
)

var errBaseURLRequired = errors.New("vendor base url is required")

// SendResponse is the vendor's synchronous acknowledgement of a send.
type SendResponse struct {
	Status   string `json:"status"`
	VendorID string `json:"vendorId"`
}

// Client posts send jobs to the vendor.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient builds a client for the vendor at baseURL. Every request is
// bounded by timeout, including reading the response.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errBaseURLRequired
	}
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	client := &Client{
		baseURL: trimmed,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Send forwards job to the vendor and returns the vendor's id for it. Any
// non-2xx status is an error.
func (c *Client) Send(ctx context.Context, job model.CampaignSendJob) (string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+sendPath, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("vendor send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
		return "", fmt.Errorf("vendor send: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out SendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	return out.VendorID, nil
}
