package accounting

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

	"ledgerbackend/clients"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultTenantHeader = "Xero-Tenant-Id"
	maxResponseBytes    = 32 << 20
)

type Config struct {
	ClientID       string
	ClientSecret   string
	RedirectURL    string
	TokenURL       string
	APIBaseURL     string
	ConnectionsURL string
	TenantHeader   string
	Timeout        time.Duration
}

// AccountingClient implements the clients.AccountingClient interface over HTTP
type AccountingClient struct {
	httpClient *http.Client
	config     Config
}

// TokenResponse represents the OAuth token endpoint response
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

func NewAccountingClient(config Config) *AccountingClient {
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.TenantHeader == "" {
		config.TenantHeader = defaultTenantHeader
	}

	return &AccountingClient{
		httpClient: &http.Client{Timeout: config.Timeout},
		config:     config,
	}
}

// ExchangeCodeForTokens exchanges an OAuth authorization code for access and refresh tokens
func (c *AccountingClient) ExchangeCodeForTokens(ctx context.Context, code string) (*clients.AccountingTokens, error) {
	if code == "" {
		return nil, fmt.Errorf("authorization code cannot be empty")
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.config.RedirectURL)

	tokens, err := c.requestTokens(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	if tokens.RefreshToken == "" {
		return nil, fmt.Errorf("missing refresh token in token exchange response")
	}

	return tokens, nil
}

// RefreshAccessToken refreshes an access token using a refresh token
func (c *AccountingClient) RefreshAccessToken(ctx context.Context, refreshToken string) (*clients.AccountingTokens, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token cannot be empty")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	tokens, err := c.requestTokens(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	// some providers keep the refresh token unchanged and omit it
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}

	return tokens, nil
}

func (c *AccountingClient) requestTokens(ctx context.Context, form url.Values) (*clients.AccountingTokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.SetBasicAuth(c.config.ClientID, c.config.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &clients.APIError{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       body,
			Method:     http.MethodPost,
			Path:       "token",
		}
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("missing access token in response")
	}

	tokens := &clients.AccountingTokens{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		Scope:        tokenResp.Scope,
	}
	// a missing expires_in leaves ExpiresAt zero so callers can fall back to the token's own exp
	if tokenResp.ExpiresIn > 0 {
		tokens.ExpiresAt = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}
	return tokens, nil
}

// GetTenants lists the organisations the access token is authorised for
func (c *AccountingClient) GetTenants(ctx context.Context, accessToken string) ([]clients.AccountingTenant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.ConnectionsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read tenants response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &clients.APIError{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       body,
			Method:     http.MethodGet,
			Path:       "connections",
		}
	}

	tenants := []clients.AccountingTenant{}
	if err := json.Unmarshal(body, &tenants); err != nil {
		return nil, fmt.Errorf("failed to decode tenants response: %w", err)
	}

	return tenants, nil
}

// Do executes a single API request. Responses with status >= 400 are
// returned as *clients.APIError.
func (c *AccountingClient) Do(ctx context.Context, request *clients.Request) (*clients.Response, error) {
	endpoint := strings.TrimRight(c.config.APIBaseURL, "/") + "/" + strings.TrimLeft(request.Path, "/")
	if len(request.Query) > 0 {
		endpoint += "?" + request.Query.Encode()
	}

	method := request.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(request.Body) > 0 {
		body = bytes.NewReader(request.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+request.AccessToken)
	req.Header.Set("Accept", "application/json")
	if request.TenantID != "" {
		req.Header.Set(c.config.TenantHeader, request.TenantID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s %s: %w", method, request.Path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response for %s %s: %w", method, request.Path, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &clients.APIError{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       respBody,
			Method:     method,
			Path:       request.Path,
		}
	}

	return &clients.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       respBody,
	}, nil
}
