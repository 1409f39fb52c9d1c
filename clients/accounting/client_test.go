package accounting

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerbackend/clients"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *AccountingClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewAccountingClient(Config{
		ClientID:       "client-id",
		ClientSecret:   "client-secret",
		RedirectURL:    "https://app.example.com/callback",
		TokenURL:       server.URL + "/connect/token",
		APIBaseURL:     server.URL + "/api.xro/2.0/",
		ConnectionsURL: server.URL + "/connections",
	})
}

func TestAccountingClient_RefreshAccessToken(t *testing.T) {
	t.Run("sends a form-encoded refresh grant with basic auth", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/connect/token", r.URL.Path)
			assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))

			user, pass, ok := r.BasicAuth()
			require.True(t, ok)
			assert.Equal(t, "client-id", user)
			assert.Equal(t, "client-secret", pass)

			body, _ := io.ReadAll(r.Body)
			form, _ := url.ParseQuery(string(body))
			assert.Equal(t, "refresh_token", form.Get("grant_type"))
			assert.Equal(t, "old-refresh", form.Get("refresh_token"))

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":1800}`))
		})

		tokens, err := client.RefreshAccessToken(context.Background(), "old-refresh")
		require.NoError(t, err)
		assert.Equal(t, "new-access", tokens.AccessToken)
		assert.Equal(t, "new-refresh", tokens.RefreshToken)
		assert.WithinDuration(t, time.Now().Add(30*time.Minute), tokens.ExpiresAt, 5*time.Second)
	})

	t.Run("keeps the refresh token when the response omits it", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"access_token":"new-access","expires_in":1800}`))
		})

		tokens, err := client.RefreshAccessToken(context.Background(), "old-refresh")
		require.NoError(t, err)
		assert.Equal(t, "old-refresh", tokens.RefreshToken)
	})

	t.Run("missing expires_in leaves expiry unset", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh"}`))
		})

		tokens, err := client.RefreshAccessToken(context.Background(), "old-refresh")
		require.NoError(t, err)
		assert.True(t, tokens.ExpiresAt.IsZero())
	})

	t.Run("invalid grant surfaces as an API error", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		})

		_, err := client.RefreshAccessToken(context.Background(), "revoked")
		var apiErr *clients.APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		assert.Contains(t, string(apiErr.Body), "invalid_grant")
	})

	t.Run("empty refresh token", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("no request expected")
		})

		_, err := client.RefreshAccessToken(context.Background(), "")
		assert.Error(t, err)
	})
}

func TestAccountingClient_ExchangeCodeForTokens(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "code-1", r.PostForm.Get("code"))
		assert.Equal(t, "https://app.example.com/callback", r.PostForm.Get("redirect_uri"))
		_, _ = w.Write([]byte(`{"access_token":"a","refresh_token":"r","expires_in":1800}`))
	})

	tokens, err := client.ExchangeCodeForTokens(context.Background(), "code-1")
	require.NoError(t, err)
	assert.Equal(t, "a", tokens.AccessToken)
	assert.Equal(t, "r", tokens.RefreshToken)
}

func TestAccountingClient_GetTenants(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/connections", r.URL.Path)
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[{"tenantId":"t-1","tenantName":"Demo Company","tenantType":"ORGANISATION"}]`))
	})

	tenants, err := client.GetTenants(context.Background(), "access-1")
	require.NoError(t, err)
	require.Len(t, tenants, 1)
	assert.Equal(t, "t-1", tenants[0].TenantID)
	assert.Equal(t, "Demo Company", tenants[0].TenantName)
}

func TestAccountingClient_Do(t *testing.T) {
	t.Run("sends auth and tenant headers and returns headers", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api.xro/2.0/Invoices", r.URL.Path)
			assert.Equal(t, "2", r.URL.Query().Get("page"))
			assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
			assert.Equal(t, "tenant-1", r.Header.Get("Xero-Tenant-Id"))

			w.Header().Set("X-MinLimit-Remaining", "59")
			_, _ = w.Write([]byte(`{"Invoices":[]}`))
		})

		resp, err := client.Do(context.Background(), &clients.Request{
			Path:        "Invoices",
			Query:       url.Values{"page": []string{"2"}},
			AccessToken: "access-1",
			TenantID:    "tenant-1",
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "59", resp.Header.Get("X-MinLimit-Remaining"))
		assert.JSONEq(t, `{"Invoices":[]}`, string(resp.Body))
	})

	t.Run("posts a JSON body", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"Name":"ACME"}`, string(body))
			_, _ = w.Write([]byte(`{"Contacts":[{"Name":"ACME"}]}`))
		})

		_, err := client.Do(context.Background(), &clients.Request{
			Method: http.MethodPost,
			Path:   "/Contacts",
			Body:   []byte(`{"Name":"ACME"}`),
		})
		require.NoError(t, err)
	})

	t.Run("429 keeps headers on the API error", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "12")
			w.Header().Set("X-Rate-Limit-Problem", "minute")
			w.WriteHeader(http.StatusTooManyRequests)
		})

		_, err := client.Do(context.Background(), &clients.Request{Path: "Invoices"})
		var apiErr *clients.APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
		assert.Equal(t, "12", apiErr.Header.Get("Retry-After"))
		assert.Equal(t, "Invoices", apiErr.Path)
	})

	t.Run("custom tenant header", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "tenant-9", r.Header.Get("X-Org-Id"))
			_, _ = w.Write([]byte(`{}`))
		}))
		t.Cleanup(server.Close)

		client := NewAccountingClient(Config{APIBaseURL: server.URL, TenantHeader: "X-Org-Id"})
		_, err := client.Do(context.Background(), &clients.Request{Path: "Organisation", TenantID: "tenant-9"})
		require.NoError(t, err)
	})
}
