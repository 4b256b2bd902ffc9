package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

const apiKeyHeader = "x-api-key"

type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Client talks to the hosted session service. The login itself happens in the
// service's own UI; the client only observes and uses the resulting session.
type Client struct {
	env     Environment
	apiKey  string
	baseURL string
	http    *http.Client

	mu     sync.Mutex
	wallet *Wallet
}

type sessionResponse struct {
	Active bool    `json:"active"`
	Wallet *Wallet `json:"wallet,omitempty"`
}

type signRequest struct {
	Digest hexutil.Bytes `json:"digest"`
}

type signResponse struct {
	Signature hexutil.Bytes `json:"signature"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func New(env Environment, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("wallet api key must be set")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("no session service url for environment %s", env)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid session service url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	return &Client{
		env:     env,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout, Jar: jar},
	}, nil
}

func (c *Client) Environment() Environment {
	return c.env
}

// LoginURL is where the user completes the social login for appName.
func (c *Client) LoginURL(appName string) string {
	q := url.Values{}
	q.Set("apiKey", c.apiKey)
	q.Set("appName", appName)
	return c.baseURL + "/login?" + q.Encode()
}

func (c *Client) IsSessionActive(ctx context.Context) (bool, error) {
	var resp sessionResponse
	err := c.do(ctx, http.MethodGet, "/sessions/current", nil, &resp)
	switch {
	case errors.Is(err, ErrNoSession):
		resp.Active = false
	case err != nil:
		return false, fmt.Errorf("check session: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !resp.Active {
		c.wallet = nil
		return false, nil
	}
	if resp.Wallet != nil {
		w := *resp.Wallet
		c.wallet = &w
	}
	return true, nil
}

func (c *Client) Wallet(ctx context.Context) (Wallet, error) {
	c.mu.Lock()
	if c.wallet != nil {
		w := *c.wallet
		c.mu.Unlock()
		return w, nil
	}
	c.mu.Unlock()

	active, err := c.IsSessionActive(ctx)
	if err != nil {
		return Wallet{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !active || c.wallet == nil {
		return Wallet{}, ErrNoSession
	}
	return *c.wallet, nil
}

func (c *Client) SignMessage(ctx context.Context, walletID string, digest [32]byte) ([]byte, error) {
	if walletID == "" {
		return nil, ErrNoSession
	}
	var resp signResponse
	path := "/wallets/" + url.PathEscape(walletID) + "/sign"
	if err := c.do(ctx, http.MethodPost, path, signRequest{Digest: digest[:]}, &resp); err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	if len(resp.Signature) != 65 {
		return nil, fmt.Errorf("sign digest: unexpected signature length %d", len(resp.Signature))
	}
	return resp.Signature, nil
}

func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/sessions/logout", nil, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	c.mu.Lock()
	c.wallet = nil
	c.mu.Unlock()
	return nil
}

// Close releases idle connections held by the client.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call session service: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read session service response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrNoSession
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		var e errorResponse
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			return fmt.Errorf("session service error %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("non-2xx status from session service: %d, body: %s", resp.StatusCode, string(respBody))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal session service response: %w", err)
	}
	return nil
}
