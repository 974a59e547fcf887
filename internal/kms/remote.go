package kms

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RemoteOptions configures the HTTP client for a remote key authority.
type RemoteOptions struct {
	// Endpoint is the base URL of the key authority, e.g. "https://kms:9443".
	Endpoint string
	// KeyID identifies the wrapping key to use for new wraps.
	KeyID string
	// APIToken authenticates the vault to the authority.
	APIToken string
	// Timeout bounds each request; defaults to 10s.
	Timeout time.Duration
	// MaxAttempts bounds retries on ErrKeyUnavailable; defaults to 3.
	MaxAttempts int
	// OnRetry is invoked once per retry attempt, e.g. to feed a counter.
	OnRetry func()
	// TLSConfig overrides the default TLS settings.
	TLSConfig *tls.Config
}

// remoteClient talks JSON over HTTP to the key authority's wrap/unwrap
// endpoints. Network errors, timeouts and 5xx responses map to
// ErrKeyUnavailable; 401/403 map to ErrKeyPermissionDenied.
type remoteClient struct {
	opts      RemoteOptions
	client    *http.Client
	wrapURL   string
	unwrapURL string
}

type wrapRequest struct {
	KeyID     string `json:"keyId"`
	Plaintext []byte `json:"plaintext"`
}

type unwrapRequest struct {
	KeyID      string `json:"keyId"`
	Ciphertext []byte `json:"ciphertext"`
}

type keyResponse struct {
	KeyID      string `json:"keyId"`
	Plaintext  []byte `json:"plaintext,omitempty"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
	Message    string `json:"message,omitempty"`
}

// NewRemote creates a key-wrap client for a remote authority.
func NewRemote(opts RemoteOptions) (KeyWrapper, error) {
	u, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("kms: invalid endpoint %q: %w", opts.Endpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("kms: endpoint must include scheme and host: %s", opts.Endpoint)
	}
	if opts.KeyID == "" {
		return nil, errors.New("kms: key id is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	transport := &http.Transport{}
	if strings.EqualFold(u.Scheme, "https") {
		// Clone so callers can reuse the original opts without data races.
		if opts.TLSConfig != nil {
			transport.TLSClientConfig = opts.TLSConfig.Clone()
		} else {
			transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}

	return &remoteClient{
		opts: opts,
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		wrapURL:   u.JoinPath("/v1/keys/wrap").String(),
		unwrapURL: u.JoinPath("/v1/keys/unwrap").String(),
	}, nil
}

func (c *remoteClient) KeyID() string {
	return c.opts.KeyID
}

func (c *remoteClient) Wrap(ctx context.Context, dek []byte) ([]byte, error) {
	if len(dek) == 0 {
		return nil, errors.New("kms: plaintext DEK is empty")
	}
	return withRetry(ctx, c.opts.MaxAttempts, defaultRetryBackoff, c.opts.OnRetry, func(ctx context.Context) ([]byte, error) {
		resp, err := c.doRequest(ctx, c.wrapURL, wrapRequest{KeyID: c.opts.KeyID, Plaintext: dek})
		if err != nil {
			return nil, err
		}
		if len(resp.Ciphertext) == 0 {
			return nil, fmt.Errorf("%w: wrap response missing ciphertext", ErrKeyUnavailable)
		}
		return resp.Ciphertext, nil
	})
}

func (c *remoteClient) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	if len(wrapped) == 0 {
		return nil, errors.New("kms: wrapped key is empty")
	}
	return withRetry(ctx, c.opts.MaxAttempts, defaultRetryBackoff, c.opts.OnRetry, func(ctx context.Context) ([]byte, error) {
		resp, err := c.doRequest(ctx, c.unwrapURL, unwrapRequest{KeyID: c.opts.KeyID, Ciphertext: wrapped})
		if err != nil {
			return nil, err
		}
		if len(resp.Plaintext) == 0 {
			return nil, fmt.Errorf("%w: unwrap response missing plaintext", ErrKeyUnavailable)
		}
		return resp.Plaintext, nil
	})
}

func (c *remoteClient) Close(context.Context) error {
	if tr, ok := c.client.Transport.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
	return nil
}

func (c *remoteClient) doRequest(ctx context.Context, endpoint string, payload any) (*keyResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("kms: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Transport-level failures (connection refused, timeout) are retryable.
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrKeyUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d: %s", ErrKeyPermissionDenied, resp.StatusCode, strings.TrimSpace(string(respBody)))
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d: %s", ErrKeyUnavailable, resp.StatusCode, strings.TrimSpace(string(respBody)))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("kms: request rejected (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out keyResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("%w: invalid response: %v", ErrKeyUnavailable, err)
	}
	return &out, nil
}
