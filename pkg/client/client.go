// Package client talks to the tokenset HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gregtusar/tokenset/pkg/auth"
	"github.com/gregtusar/tokenset/pkg/events"
	"github.com/gregtusar/tokenset/pkg/factory"
	"github.com/gregtusar/tokenset/pkg/models"
)

// APIError is a non-2xx answer of the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    string
	auth       auth.Authenticator
	httpClient *http.Client
}

// New returns a client for baseURL. authenticator may be nil for read-only
// use.
func New(baseURL string, authenticator auth.Authenticator) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		auth:       authenticator,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.auth != nil && method != http.MethodGet {
		if err := c.auth.AddAuthHeaders(req); err != nil {
			return err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr models.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func basketPath(id string, rest ...string) string {
	parts := append([]string{"/api/baskets", url.PathEscape(id)}, rest...)
	return strings.Join(parts, "/")
}

func (c *Client) Baskets(ctx context.Context) ([]factory.Info, error) {
	var out []factory.Info
	err := c.doRequest(ctx, http.MethodGet, "/api/baskets", nil, &out)
	return out, err
}

func (c *Client) Metadata(ctx context.Context, basket string) (models.BasketMetadata, error) {
	var out models.BasketMetadata
	err := c.doRequest(ctx, http.MethodGet, basketPath(basket), nil, &out)
	return out, err
}

func (c *Client) Balances(ctx context.Context, basket, account string) (models.AccountBalances, error) {
	var out models.AccountBalances
	err := c.doRequest(ctx, http.MethodGet, basketPath(basket, "balances", url.PathEscape(account)), nil, &out)
	return out, err
}

func (c *Client) Register(ctx context.Context, basket string, deposit models.Amount) (models.RegisterResponse, error) {
	var out models.RegisterResponse
	err := c.doRequest(ctx, http.MethodPost, basketPath(basket, "register"), models.RegisterRequest{Deposit: deposit}, &out)
	return out, err
}

func (c *Client) Deposit(ctx context.Context, basket, asset string, amount models.Amount) (models.AccountBalances, error) {
	var out models.AccountBalances
	err := c.doRequest(ctx, http.MethodPost, basketPath(basket, "deposit"), models.TransferRequest{Asset: asset, Amount: amount}, &out)
	return out, err
}

// Wrap mints amount shares, or the maximum wrappable when amount is nil.
func (c *Client) Wrap(ctx context.Context, basket string, amount *models.Amount) (models.Amount, error) {
	var out models.WrapResponse
	err := c.doRequest(ctx, http.MethodPost, basketPath(basket, "wrap"), models.WrapRequest{Amount: amount}, &out)
	return out.Minted, err
}

func (c *Client) Unwrap(ctx context.Context, basket string, amount models.Amount) (models.AccountBalances, error) {
	var out models.AccountBalances
	err := c.doRequest(ctx, http.MethodPost, basketPath(basket, "unwrap"), models.UnwrapRequest{Amount: amount}, &out)
	return out, err
}

// Burn destroys amount shares of the caller through the token burn path.
func (c *Client) Burn(ctx context.Context, basket string, amount models.Amount) (models.AccountBalances, error) {
	var out models.AccountBalances
	err := c.doRequest(ctx, http.MethodPost, basketPath(basket, "burn"), models.BurnRequest{Amount: amount}, &out)
	return out, err
}

func (c *Client) ProvisioningDeposit(ctx context.Context, amount models.Amount) (models.ProvisioningAccount, error) {
	var out models.ProvisioningAccount
	err := c.doRequest(ctx, http.MethodPost, "/api/provisioning/deposit", models.AmountRequest{Amount: amount}, &out)
	return out, err
}

func (c *Client) ProvisioningAccount(ctx context.Context, account string) (models.ProvisioningAccount, error) {
	var out models.ProvisioningAccount
	err := c.doRequest(ctx, http.MethodGet, "/api/provisioning/accounts/"+url.PathEscape(account), nil, &out)
	return out, err
}

func (c *Client) Provision(ctx context.Context, req models.ProvisioningRequest) (string, error) {
	var out models.ProvisioningResponse
	err := c.doRequest(ctx, http.MethodPost, "/api/provisioning/instances", req, &out)
	return out.Instance, err
}

func (c *Client) Instances(ctx context.Context) ([]string, error) {
	var out models.InstancesResponse
	err := c.doRequest(ctx, http.MethodGet, "/api/provisioning/instances", nil, &out)
	return out.Instances, err
}

// Watch streams provisioning events to handler until ctx is done or
// handler fails.
func (c *Client) Watch(ctx context.Context, handler events.Handler) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/events"
	return events.Subscribe(ctx, wsURL, nil, handler)
}

// WaitForInstance polls the record of caller until instance leaves the
// pending state. A compensated instance is no longer recorded.
func (c *Client) WaitForInstance(ctx context.Context, caller, instance string, interval time.Duration) (models.InstanceStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		account, err := c.ProvisioningAccount(ctx, caller)
		if err != nil {
			return "", err
		}
		status, ok := account.Status[instance]
		if !ok {
			return models.InstanceStatusCompensated, nil
		}
		if status != models.InstanceStatusPending {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
