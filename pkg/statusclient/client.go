package statusclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
)

// APIError is returned for responses with a status of 400 or above
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Client provides an HTTP client for the qmsg status API
type Client struct {
	config     Config
	httpClient *http.Client
	baseURL    *url.URL
}

// NewClient creates a new status API client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}
	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    baseURL,
	}, nil
}

// GetHealth returns the health of the node. No token is needed.
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/health", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get health status: %w", err)
	}
	return &resp, nil
}

// GetSubscriptions returns the node's exact and channel subscriptions
func (c *Client) GetSubscriptions(ctx context.Context) (*SubscriptionsResponse, error) {
	var resp SubscriptionsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/subscriptions", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return &resp, nil
}

// GetRegistrations returns publisher registrations and key exchange state
func (c *Client) GetRegistrations(ctx context.Context) (*RegistrationsResponse, error) {
	var resp RegistrationsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/registrations", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list registrations: %w", err)
	}
	return &resp, nil
}

// GetQueue returns the arrival queue backlog
func (c *Client) GetQueue(ctx context.Context) (*QueueResponse, error) {
	var resp QueueResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/queue", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get queue: %w", err)
	}
	return &resp, nil
}

// GetRoutes returns the routing table (admin only)
func (c *Client) GetRoutes(ctx context.Context) (*RoutesResponse, error) {
	var resp RoutesResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/routes", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get routes: %w", err)
	}
	return &resp, nil
}

// Resubscribe asks the node to reissue the subscription covering name (admin only)
func (c *Client) Resubscribe(ctx context.Context, name shortname.ShortName) error {
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/resubscribe", ResubscribeRequest{Name: name}, nil); err != nil {
		return fmt.Errorf("failed to resubscribe %s: %w", name, err)
	}
	return nil
}

// GetMetrics returns the prometheus exposition text
func (c *Client) GetMetrics(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.ResolveReference(&url.URL{Path: "/metrics"}).String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return string(body), nil
}

// doRequest performs an HTTP request, sending the token when one is configured
func (c *Client) doRequest(ctx context.Context, method, path string, reqBody interface{}, respBody interface{}) error {
	fullURL := c.baseURL.ResolveReference(&url.URL{Path: path})

	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil || errResp.Message == "" {
			return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Message}
	}

	if respBody != nil {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
