package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the tradehold API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // admin bearer token
}

// Client is a thin HTTP client for the tradehold admin API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": []string{strconv.Itoa(limit)}}
}

// GetOrder fetches one order with its display names.
func (c *Client) GetOrder(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID), nil, nil)
}

// ListReleaseReady lists orders whose hold window has elapsed.
func (c *Client) ListReleaseReady(ctx context.Context, limit int) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/orders/release-ready", limitQuery(limit), nil)
}

// AdminRelease pays the seller.
func (c *Client) AdminRelease(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/orders/"+url.PathEscape(orderID)+"/release", nil, nil)
}

// AdminRefund returns the funds to the buyer.
func (c *Client) AdminRefund(ctx context.Context, orderID, note string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/orders/"+url.PathEscape(orderID)+"/refund", nil,
		map[string]string{"note": note})
}

// ListOpenDisputes lists disputes awaiting a decision.
func (c *Client) ListOpenDisputes(ctx context.Context, limit int) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/disputes", limitQuery(limit), nil)
}

// ResolveDispute closes a dispute with outcome resolved_release or resolved_refund.
func (c *Client) ResolveDispute(ctx context.Context, disputeID, outcome, note string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/disputes/"+url.PathEscape(disputeID)+"/resolve", nil,
		map[string]string{"outcome": outcome, "note": note})
}

// GetNegotiation fetches a negotiation thread.
func (c *Client) GetNegotiation(ctx context.Context, negotiationID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/negotiations/"+url.PathEscape(negotiationID), nil, nil)
}
