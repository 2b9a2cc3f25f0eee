package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

const maxResponseBodySize = 1 << 20 // 1MB

// connection pooling limits; one forum host is polled for every entity
const (
	defaultMaxIdleConnsPerHost = 4
	defaultMaxConnsPerHost     = 4
	defaultIdleConnTimeout     = 60 * time.Second
)

// Response holds the result of an HTTP request made by [Client].
type Response struct {
	// Body contains the HTTP response body, limited to 1MB.
	Body []byte

	// StatusCode is zero if the request failed before receiving a response.
	StatusCode int

	Header http.Header

	Latency time.Duration

	// Error contains any transport error. A non-2xx status is not an error
	// at this level.
	Error error
}

// Client is a pooled HTTP client. Timeouts are applied per request through
// the context rather than a client-wide timeout.
type Client struct {
	httpClient *http.Client
	headers    map[string]string
}

// NewClient creates a [Client] that sends headers with every request.
func NewClient(headers map[string]string) *Client {
	transport := cleanhttp.DefaultPooledTransport()
	transport.MaxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	transport.MaxConnsPerHost = defaultMaxConnsPerHost
	transport.IdleConnTimeout = defaultIdleConnTimeout

	return &Client{
		httpClient: &http.Client{Transport: transport},
		headers:    headers,
	}
}

// Get performs a GET request and returns a structured [Response].
//
// Get always returns a Response; errors are captured in the Error field.
func (c *Client) Get(ctx context.Context, url string) Response {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{
			Latency: time.Since(start),
			Error:   fmt.Errorf("failed to create request: %w", err),
		}
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{
			Latency: time.Since(start),
			Error:   fmt.Errorf("request failed: %w", err),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Latency:    time.Since(start),
			Error:      fmt.Errorf("failed to read response body: %w", err),
		}
	}

	return Response{
		Body:       body,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Latency:    time.Since(start),
	}
}

// Close closes idle pooled connections. Safe to call multiple times.
func (c *Client) Close() {
	if c == nil || c.httpClient == nil {
		return
	}
	c.httpClient.CloseIdleConnections()
}
