// Package origin provides the HTTP client used to fetch missing blobs from
// the origin node. Edge shards configure one; the authoritative node does
// not, which is what makes it authoritative.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	filecdn "github.com/syncshard/filecdn"
	"github.com/syncshard/filecdn/telemetry"
)

// DefaultTimeout is the default timeout for origin requests. Large blobs
// stream for a while, so this is generous.
const DefaultTimeout = 5 * time.Minute

// ErrNotFound is returned when the origin does not have the file.
var ErrNotFound = errors.New("file not found at origin")

// Client fetches files from an origin node's internal per-hash endpoint.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on every origin request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// New creates an origin client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchFile fetches a blob from the origin.
// Returns a ReadCloser that must be closed by the caller, plus the content
// length (-1 if unknown).
func (c *Client) FetchFile(ctx context.Context, h filecdn.Hash) (io.ReadCloser, int64, error) {
	url := c.baseURL + "/serverfiles/" + h.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("performing request: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, 0, ErrNotFound
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("origin returned %d: %s", resp.StatusCode, string(body))
	}

	return resp.Body, resp.ContentLength, nil
}

// URL returns the origin base URL.
func (c *Client) URL() string {
	return c.baseURL
}
