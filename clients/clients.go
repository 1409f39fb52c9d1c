package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// AccountingTokens is the token pair returned by the remote OAuth2 endpoint
type AccountingTokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

// AccountingTenant is a remote organisation the user authorised
type AccountingTenant struct {
	TenantID   string `json:"tenantId"`
	TenantName string `json:"tenantName"`
	TenantType string `json:"tenantType"`
}

// Request is a single call against the accounting API
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        []byte
	AccessToken string
	TenantID    string
}

// Response carries the raw body and headers of a successful call
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// APIError is returned for any response with status >= 400.
// Header is kept so rate-limit counters can be observed on failures too.
type APIError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Method     string
	Path       string
}

func (e *APIError) Error() string {
	body := string(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	if e.Path == "" {
		return fmt.Sprintf("accounting API error: status %d, body: %s", e.StatusCode, body)
	}
	return fmt.Sprintf("accounting API error: %s %s returned status %d, body: %s", e.Method, e.Path, e.StatusCode, body)
}

// AccountingOAuthClient covers the OAuth2 handshake and refresh endpoints
type AccountingOAuthClient interface {
	ExchangeCodeForTokens(ctx context.Context, code string) (*AccountingTokens, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*AccountingTokens, error)
	GetTenants(ctx context.Context, accessToken string) ([]AccountingTenant, error)
}

// AccountingClient defines the interface for accounting API operations
type AccountingClient interface {
	AccountingOAuthClient

	Do(ctx context.Context, req *Request) (*Response, error)
}
