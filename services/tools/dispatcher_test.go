package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ledgerbackend/clients"
	"ledgerbackend/clients/accounting"
	"ledgerbackend/models"
	"ledgerbackend/services"
	"ledgerbackend/services/apierrors"
	"ledgerbackend/services/ratelimit"
	"ledgerbackend/services/slots"
	"ledgerbackend/services/tokens"
	"ledgerbackend/testutils"
)

type dispatcherFixture struct {
	dispatcher *Dispatcher
	client     *accounting.MockAccountingClient
	store      *testutils.InMemoryConnectionStore
	connection *models.AccountingConnection
	limiter    *slots.MemoryLimiter
}

func setupDispatcher(t *testing.T, expiresIn time.Duration) *dispatcherFixture {
	t.Helper()
	return setupDispatcherWith(t, expiresIn, func(store *testutils.InMemoryConnectionStore) services.ConnectionStore {
		return store
	})
}

func setupDispatcherWith(
	t *testing.T,
	expiresIn time.Duration,
	wrap func(*testutils.InMemoryConnectionStore) services.ConnectionStore,
) *dispatcherFixture {
	t.Helper()

	connection := testutils.NewTestConnection("user-1", expiresIn)
	memory := testutils.NewInMemoryConnectionStore(connection)
	store := wrap(memory)
	client := accounting.NewMockAccountingClient()
	noSleep := func(context.Context, time.Duration) error { return nil }

	governor := ratelimit.NewGovernor(store, ratelimit.Config{MaxWait: 5 * time.Minute}).WithClock(time.Now, noSleep)
	retry := apierrors.NewRetryPolicy(apierrors.DefaultRetryConfig(), governor, store).WithSleep(noSleep)
	limiter := slots.NewMemoryLimiter(slots.DefaultMaxConcurrent, 0)

	return &dispatcherFixture{
		dispatcher: NewDispatcher(store, client, tokens.NewManager(store, client), governor, limiter, retry),
		client:     client,
		store:      memory,
		connection: connection,
		limiter:    limiter,
	}
}

// failingTokenStore fails the first token writes and runs onFail before each failure
type failingTokenStore struct {
	*testutils.InMemoryConnectionStore
	failures int
	onFail   func()
}

func (s *failingTokenStore) UpdateTokens(ctx context.Context, id string, update models.TokenUpdate) (*models.AccountingConnection, error) {
	if s.failures > 0 {
		s.failures--
		if s.onFail != nil {
			s.onFail()
		}
		return nil, errors.New("connection reset by peer")
	}
	return s.InMemoryConnectionStore.UpdateTokens(ctx, id, update)
}

// setupRefreshPersistFailure makes the refresh inside the call fail to persist.
// With concurrentWriter set, the row is moved to unusable tokens at that moment.
func setupRefreshPersistFailure(t *testing.T, concurrentWriter bool) (*dispatcherFixture, *clients.AccountingTokens) {
	t.Helper()

	failing := &failingTokenStore{failures: 1}
	f := setupDispatcherWith(t, 20*time.Second, func(store *testutils.InMemoryConnectionStore) services.ConnectionStore {
		failing.InMemoryConnectionStore = store
		return failing
	})
	if concurrentWriter {
		failing.onFail = func() {
			moved := *f.connection
			moved.RefreshToken = "rotated-elsewhere"
			moved.TokenExpiresAt = time.Now().Add(-time.Minute)
			moved.UpdatedAt = f.connection.UpdatedAt.Add(time.Second)
			failing.Put(&moved)
		}
	}

	refreshed := accounting.CreateRefreshedTestTokens()
	f.client.WithRefreshTokenResponse(refreshed)
	return f, refreshed
}

func withAccessToken(accessToken string) any {
	return mock.MatchedBy(func(r *clients.Request) bool { return r.AccessToken == accessToken })
}

func okResponse(body string) *clients.Response {
	header := http.Header{}
	header.Set("X-MinLimit-Remaining", "55")
	header.Set("X-DayLimit-Remaining", "4000")
	return &clients.Response{StatusCode: http.StatusOK, Header: header, Body: []byte(body)}
}

func invoicesPage(count int) string {
	items := make([]string, count)
	for i := range items {
		items[i] = fmt.Sprintf(`{"InvoiceID":"inv-%d"}`, i)
	}
	return `{"Invoices":[` + strings.Join(items, ",") + `]}`
}

func requestFor(path string) any {
	return mock.MatchedBy(func(r *clients.Request) bool { return r.Path == path })
}

func TestDispatcher_Dispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("user without connection gets not connected", func(t *testing.T) {
		f := setupDispatcher(t, time.Hour)

		result := f.dispatcher.Dispatch(ctx, "someone-else", "list_invoices", nil)
		assert.True(t, result.IsError)
		assert.Contains(t, result.Text(), "No accounting organisation is connected")
		f.client.AssertNotCalled(t, "Do", mock.Anything, mock.Anything)
	})

	t.Run("unknown operation is a validation error", func(t *testing.T) {
		f := setupDispatcher(t, time.Hour)

		result := f.dispatcher.Dispatch(ctx, "user-1", "delete_everything", nil)
		assert.True(t, result.IsError)
		assert.Contains(t, result.Text(), "delete_everything")
	})

	t.Run("missing required argument names the field", func(t *testing.T) {
		f := setupDispatcher(t, time.Hour)

		result := f.dispatcher.Dispatch(ctx, "user-1", "get_invoice", map[string]any{"invoice_id": "  "})
		assert.True(t, result.IsError)
		assert.Contains(t, result.Text(), "invoice_id")
	})

	t.Run("connection without tenant fails fast", func(t *testing.T) {
		f := setupDispatcher(t, time.Hour)
		f.connection.TenantID = ""
		f.store.Put(f.connection)

		result := f.dispatcher.Dispatch(ctx, "user-1", "get_organisation", nil)
		assert.True(t, result.IsError)
		assert.Contains(t, result.Text(), "reconnect")
		f.client.AssertNotCalled(t, "Do", mock.Anything, mock.Anything)
	})

	t.Run("single call passes the payload through", func(t *testing.T) {
		f := setupDispatcher(t, time.Hour)
		body := `{"Invoices":[{"InvoiceID":"INV-1","Total":120.5}]}`
		f.client.On("Do", mock.Anything, mock.MatchedBy(func(r *clients.Request) bool {
			return r.Method == http.MethodGet &&
				r.Path == "Invoices/INV-1" &&
				r.AccessToken == f.connection.AccessToken &&
				r.TenantID == f.connection.TenantID
		})).Return(okResponse(body), nil).Once()

		result := f.dispatcher.Dispatch(ctx, "user-1", "get_invoice", map[string]any{"invoice_id": "INV-1"})
		require.False(t, result.IsError, result.Text())
		assert.JSONEq(t, body, result.Text())

		stored := f.store.Snapshot(f.connection.ID)
		require.NotNil(t, stored.MinuteRemaining)
		assert.Equal(t, 55, *stored.MinuteRemaining)
		assert.Equal(t, 1, f.store.APICalls)
		assert.Zero(t, f.store.TokenWrites, "unchanged tokens are not rewritten")
		assert.Equal(t, 0, f.limiter.InFlight(f.connection.ID))
	})

	t.Run("create sends the payload as the body", func(t *testing.T) {
		f := setupDispatcher(t, time.Hour)
		f.client.On("Do", mock.Anything, mock.MatchedBy(func(r *clients.Request) bool {
			var payload map[string]any
			return r.Method == http.MethodPost &&
				r.Path == "Contacts" &&
				json.Unmarshal(r.Body, &payload) == nil &&
				payload["Name"] == "Acme Ltd"
		})).Return(okResponse(`{"Contacts":[{"ContactID":"c-1","Name":"Acme Ltd"}]}`), nil).Once()

		result := f.dispatcher.Dispatch(ctx, "user-1", "create_contact", map[string]any{
			"contact": map[string]any{"Name": "Acme Ltd"},
		})
		require.False(t, result.IsError, result.Text())
		assert.Contains(t, result.Text(), "c-1")
	})

	t.Run("listing operations paginate", func(t *testing.T) {
		f := setupDispatcher(t, time.Hour)
		pageMatcher := func(page string) any {
			return mock.MatchedBy(func(r *clients.Request) bool {
				return r.Path == "Invoices" && r.Query.Get("page") == page && r.Query.Get("pageSize") == "100" && r.Query.Get("Statuses") == "AUTHORISED"
			})
		}
		f.client.On("Do", mock.Anything, pageMatcher("1")).Return(okResponse(invoicesPage(100)), nil).Once()
		f.client.On("Do", mock.Anything, pageMatcher("2")).Return(okResponse(invoicesPage(43)), nil).Once()

		result := f.dispatcher.Dispatch(ctx, "user-1", "list_invoices", map[string]any{"statuses": "AUTHORISED"})
		require.False(t, result.IsError, result.Text())

		var payload struct {
			Invoices []json.RawMessage `json:"Invoices"`
			Count    int               `json:"count"`
			Pages    int               `json:"pages"`
		}
		require.NoError(t, json.Unmarshal([]byte(result.Text()), &payload))
		assert.Len(t, payload.Invoices, 143)
		assert.Equal(t, 143, payload.Count)
		assert.Equal(t, 2, payload.Pages)
		f.client.AssertNumberOfCalls(t, "Do", 2)
		assert.Len(t, f.store.RateLimitHits, 2, "headers observed after every page")
	})

	t.Run("listing honours limit", func(t *testing.T) {
		f := setupDispatcher(t, time.Hour)
		f.client.On("Do", mock.Anything, requestFor("Contacts")).Return(okResponse(`{"Contacts":[{"ContactID":"a"},{"ContactID":"b"},{"ContactID":"c"}]}`), nil)

		result := f.dispatcher.Dispatch(ctx, "user-1", "list_contacts", map[string]any{"limit": float64(5), "page_size": float64(3)})
		require.False(t, result.IsError, result.Text())
		assert.Contains(t, result.Text(), `"count":5`)
		f.client.AssertNumberOfCalls(t, "Do", 2)
	})

	t.Run("expiring token is refreshed before the call and persisted", func(t *testing.T) {
		f := setupDispatcher(t, 20*time.Second)
		refreshed := accounting.CreateRefreshedTestTokens()
		f.client.WithRefreshTokenResponse(refreshed)
		f.client.On("Do", mock.Anything, mock.MatchedBy(func(r *clients.Request) bool {
			return r.AccessToken == refreshed.AccessToken
		})).Return(okResponse(`{"Organisations":[{"Name":"Demo"}]}`), nil).Once()

		result := f.dispatcher.Dispatch(ctx, "user-1", "get_organisation", nil)
		require.False(t, result.IsError, result.Text())
		f.client.AssertNumberOfCalls(t, "RefreshAccessToken", 1)

		stored := f.store.Snapshot(f.connection.ID)
		assert.Equal(t, refreshed.AccessToken, stored.AccessToken)
		assert.Equal(t, 1, f.store.TokenWrites)
	})

	t.Run("rotated tokens are persisted after a failed call", func(t *testing.T) {
		f, refreshed := setupRefreshPersistFailure(t, false)
		f.client.On("Do", mock.Anything, withAccessToken(refreshed.AccessToken)).Return(nil, &clients.APIError{
			StatusCode: http.StatusBadRequest,
			Body:       []byte(`{"Message":"A validation exception occurred"}`),
		}).Once()

		result := f.dispatcher.Dispatch(ctx, "user-1", "get_organisation", nil)
		assert.True(t, result.IsError)
		assert.NotContains(t, result.Text(), "reconnect")

		stored := f.store.Snapshot(f.connection.ID)
		assert.Equal(t, refreshed.AccessToken, stored.AccessToken)
		assert.Equal(t, refreshed.RefreshToken, stored.RefreshToken)
		assert.Equal(t, 1, f.store.TokenWrites)
	})

	t.Run("refresh conflict after a successful call keeps the result", func(t *testing.T) {
		f, refreshed := setupRefreshPersistFailure(t, true)
		body := `{"Organisations":[{"Name":"Demo"}]}`
		f.client.On("Do", mock.Anything, withAccessToken(refreshed.AccessToken)).Return(okResponse(body), nil).Once()

		result := f.dispatcher.Dispatch(ctx, "user-1", "get_organisation", nil)
		require.False(t, result.IsError, result.Text())
		assert.JSONEq(t, body, result.Text())
		f.client.AssertNumberOfCalls(t, "Do", 1)

		require.NotEmpty(t, f.store.ErrorUpdates)
		assert.Equal(t, models.ErrorKindRefreshConflict, f.store.ErrorUpdates[len(f.store.ErrorUpdates)-1].Kind)
		stored := f.store.Snapshot(f.connection.ID)
		assert.Equal(t, "rotated-elsewhere", stored.RefreshToken, "the concurrent write is never overwritten")
	})

	t.Run("refresh conflict after a failed call asks to reconnect", func(t *testing.T) {
		f, refreshed := setupRefreshPersistFailure(t, true)
		f.client.On("Do", mock.Anything, withAccessToken(refreshed.AccessToken)).Return(nil, &clients.APIError{
			StatusCode: http.StatusBadRequest,
			Body:       []byte(`{"Message":"A validation exception occurred"}`),
		}).Once()

		result := f.dispatcher.Dispatch(ctx, "user-1", "get_organisation", nil)
		assert.True(t, result.IsError)
		assert.Contains(t, result.Text(), "reconnect")
	})

	t.Run("sustained 429 surfaces a rate limit message", func(t *testing.T) {
		f := setupDispatcher(t, time.Hour)
		header := http.Header{}
		header.Set("X-Rate-Limit-Problem", "minute")
		header.Set("Retry-After", "2")
		f.client.On("Do", mock.Anything, mock.Anything).Return(nil, &clients.APIError{StatusCode: http.StatusTooManyRequests, Header: header})

		result := f.dispatcher.Dispatch(ctx, "user-1", "get_organisation", nil)
		assert.True(t, result.IsError)
		assert.Contains(t, result.Text(), "per-minute request limit")
		f.client.AssertNumberOfCalls(t, "Do", 4)
		require.NotEmpty(t, f.store.ErrorUpdates)
		assert.Equal(t, models.ErrorKindRateLimit, f.store.ErrorUpdates[len(f.store.ErrorUpdates)-1].Kind)
	})

	t.Run("transient failure is retried once", func(t *testing.T) {
		f := setupDispatcher(t, time.Hour)
		f.client.On("Do", mock.Anything, mock.Anything).Return(nil, &clients.APIError{StatusCode: http.StatusServiceUnavailable}).Once()
		f.client.On("Do", mock.Anything, mock.Anything).Return(okResponse(`{"Accounts":[]}`), nil).Once()

		result := f.dispatcher.Dispatch(ctx, "user-1", "list_accounts", nil)
		require.False(t, result.IsError, result.Text())
		f.client.AssertNumberOfCalls(t, "Do", 2)
	})

	t.Run("persistent transient failure surfaces after one retry", func(t *testing.T) {
		f := setupDispatcher(t, time.Hour)
		f.client.On("Do", mock.Anything, mock.Anything).Return(nil, &clients.APIError{StatusCode: http.StatusBadGateway})

		result := f.dispatcher.Dispatch(ctx, "user-1", "list_accounts", nil)
		assert.True(t, result.IsError)
		assert.Contains(t, result.Text(), "temporarily unavailable")
		f.client.AssertNumberOfCalls(t, "Do", 2)
	})

	t.Run("authorization failure asks to reconnect without retrying", func(t *testing.T) {
		f := setupDispatcher(t, time.Hour)
		header := http.Header{}
		header.Set("Xero-Correlation-Id", "corr-9")
		f.client.On("Do", mock.Anything, mock.Anything).Return(nil, &clients.APIError{StatusCode: http.StatusForbidden, Header: header, Body: []byte(`{"Title":"Forbidden"}`)})

		result := f.dispatcher.Dispatch(ctx, "user-1", "get_organisation", nil)
		assert.True(t, result.IsError)
		assert.Contains(t, result.Text(), "reconnect")
		assert.Contains(t, result.Text(), "(ref: corr-9)")
		f.client.AssertNumberOfCalls(t, "Do", 1)

		stored := f.store.Snapshot(f.connection.ID)
		require.NotNil(t, stored.LastErrorKind)
		assert.Equal(t, models.ErrorKindAuthorization, *stored.LastErrorKind)
		assert.Equal(t, "corr-9", *stored.LastCorrelationID)
	})

	t.Run("governor fails fast on a long reset", func(t *testing.T) {
		f := setupDispatcher(t, time.Hour)
		resetAt := time.Now().Add(20 * time.Minute)
		zero := 0
		f.connection.DayRemaining = &zero
		f.connection.RateLimitResetAt = &resetAt
		f.store.Put(f.connection)

		result := f.dispatcher.Dispatch(ctx, "user-1", "get_organisation", nil)
		assert.True(t, result.IsError)
		assert.Contains(t, result.Text(), "daily request limit")
		f.client.AssertNotCalled(t, "Do", mock.Anything, mock.Anything)
	})
}

func TestDispatcher_Registry(t *testing.T) {
	f := setupDispatcher(t, time.Hour)

	names := []string{}
	for _, operation := range f.dispatcher.Operations() {
		names = append(names, operation.Name)
	}
	assert.Equal(t, []string{
		"create_contact",
		"create_invoice",
		"get_contact",
		"get_invoice",
		"get_organisation",
		"get_profit_and_loss",
		"list_accounts",
		"list_contacts",
		"list_invoices",
	}, names)

	assert.Error(t, f.dispatcher.Register(Operation{Name: "broken"}))
	assert.Error(t, f.dispatcher.Register(Operation{Name: "list_things", Method: http.MethodGet, Path: "Things", Paginated: true}))

	require.NoError(t, f.dispatcher.Register(Operation{
		Name:       "list_items",
		Method:     http.MethodGet,
		Path:       "Items",
		Collection: "Items",
	}))
	f.client.On("Do", mock.Anything, requestFor("Items")).Return(okResponse(`{"Items":[{"ItemID":"i-1"}]}`), nil).Once()

	result := f.dispatcher.Dispatch(context.Background(), "user-1", "list_items", nil)
	require.False(t, result.IsError, result.Text())
	assert.Contains(t, result.Text(), "i-1")
}

func TestOperation_BuildRequest(t *testing.T) {
	operation := Operation{
		Name:      "get_report",
		Method:    http.MethodGet,
		Path:      "Reports/{report_id}",
		QueryArgs: map[string]string{"from_date": "fromDate", "periods": "periods"},
	}

	request, err := operation.buildRequest(map[string]any{
		"report_id": "a b/c",
		"from_date": "2026-01-01",
		"periods":   float64(3),
	})
	require.NoError(t, err)
	assert.Equal(t, "Reports/a%20b%2Fc", request.Path)
	assert.Equal(t, "2026-01-01", request.Query.Get("fromDate"))
	assert.Equal(t, "3", request.Query.Get("periods"))

	_, err = operation.buildRequest(map[string]any{})
	assert.Error(t, err)
}
