package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opensandbox/podrelay/pkg/types"
)

// Client is an HTTP client for the podrelay API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new podrelay API client authenticating with a bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewClientWithHTTP is NewClient with a caller-supplied http.Client.
func NewClientWithHTTP(baseURL, token string, httpClient *http.Client) *Client {
	c := NewClient(baseURL, token)
	if httpClient != nil {
		c.httpClient = httpClient
	}
	return c
}

// BaseURL returns the API base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// doRequest performs an HTTP request with bearer authentication. A non-empty
// cluster is also sent as X-Cluster so the server's cluster selector sees it.
func (c *Client) doRequest(ctx context.Context, method, path, cluster string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	reqURL := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if cluster != "" {
		req.Header.Set("X-Cluster", cluster)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

// AcquireTicket exchanges a session intent for a single-use websocket ticket.
// It issues exactly one request and never retries; every failure is a
// *TicketError.
func (c *Client) AcquireTicket(ctx context.Context, intent types.SessionIntent) (types.Ticket, error) {
	if err := intent.Validate(); err != nil {
		return types.Ticket{}, &TicketError{Err: err}
	}

	resp, err := c.doRequest(ctx, http.MethodPost, types.TicketPath, intent.Cluster, types.NewTicketRequest(intent))
	if err != nil {
		return types.Ticket{}, &TicketError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return types.Ticket{}, &TicketError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("API error (status %d): %s", resp.StatusCode, apiErrorMessage(body)),
		}
	}

	var tr types.TicketResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return types.Ticket{}, &TicketError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if strings.TrimSpace(tr.Ticket) == "" {
		return types.Ticket{}, &TicketError{StatusCode: resp.StatusCode, Err: ErrNoTicket}
	}

	return types.Ticket{Value: tr.Ticket, ExpiresAt: tr.ExpiresAt}, nil
}

// apiErrorMessage extracts the "error" field of a JSON error body, falling
// back to the raw body.
func apiErrorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}
