// Package ddns pushes the host's public IPv4 address to an external DNS
// provider so "*.<domain>" keeps resolving to a machine whose address the
// ISP can change at any time. Only the wildcard A record is published; the
// record for the bare "<domain>" is not updated.
package ddns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

const (
	defaultPublicIPEchoURL = "https://api.ipify.org?format=text"
	defaultProviderBaseURL = "https://api.godaddy.com/v1"
)

// Client is a stateful GoDaddy A-record publisher that remembers the last
// IP it pushed, so refresh is a no-op when the address hasn't changed.
type Client struct {
	domain              string
	authorizationHeader string
	httpClient          *http.Client

	providerBaseURL string
	publicIPEchoURL string

	mu     sync.Mutex
	lastIP string
}

// aRecord is the GoDaddy DNS record payload for a single A record.
type aRecord struct {
	Data string `json:"data"`
	TTL  int    `json:"ttl"`
}

// New creates a Client and authentication-tests it against the provider's
// domains endpoint. Returns an error wrapping ErrProviderTestFailed when the
// provider cannot be reached or rejects the credentials.
func New(ctx context.Context, domain, authorizationHeader string) (*Client, error) {
	c := newClient(domain, authorizationHeader, defaultProviderBaseURL, defaultPublicIPEchoURL)

	if err := c.testAuth(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

func newClient(domain, authorizationHeader, providerBaseURL, publicIPEchoURL string) *Client {
	return &Client{
		domain:              domain,
		authorizationHeader: authorizationHeader,
		httpClient:          &http.Client{},
		providerBaseURL:     providerBaseURL,
		publicIPEchoURL:     publicIPEchoURL,
	}
}

func (c *Client) testAuth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/domains/%s", c.providerBaseURL, c.domain), nil)
	if err != nil {
		return fmt.Errorf("creating provider auth test request: %w", err)
	}
	req.Header.Set("Authorization", c.authorizationHeader)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderTestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: status %d", ErrProviderTestFailed, resp.StatusCode)
	}
	return nil
}

// Refresh fetches the current public IP and, if it differs from the last
// one published, PUTs a fresh A record for "*" to the provider.
func (c *Client) Refresh(ctx context.Context) error {
	ip, err := c.currentPublicIP(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	unchanged := ip == c.lastIP
	c.mu.Unlock()
	if unchanged {
		return nil
	}

	if err := c.publishARecord(ctx, ip); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastIP = ip
	c.mu.Unlock()
	return nil
}

func (c *Client) currentPublicIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.publicIPEchoURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating public IP request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching public IP: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading public IP response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("public IP echo service returned status %d", resp.StatusCode)
	}

	return string(bytes.TrimSpace(body)), nil
}

func (c *Client) publishARecord(ctx context.Context, ip string) error {
	records := []aRecord{{Data: ip, TTL: 600}}
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshalling DNS record: %w", err)
	}

	url := fmt.Sprintf("%s/domains/%s/records/A/%%2A", c.providerBaseURL, c.domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating DNS update request: %w", err)
	}
	req.Header.Set("Authorization", c.authorizationHeader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("updating DNS record: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("DNS provider error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return nil
}
