package testutils

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"ledgerbackend/appctx"
	"ledgerbackend/core"
	"ledgerbackend/models"
)

// NewTestConnection creates an active connection whose access token expires after expiresIn
func NewTestConnection(userID string, expiresIn time.Duration) *models.AccountingConnection {
	now := time.Now().UTC()
	id := core.NewID("ac")
	return &models.AccountingConnection{
		ID:                   id,
		UserID:               userID,
		TenantID:             "tenant-" + uuid.New().String(),
		TenantName:           "Test Organisation",
		IsActive:             true,
		AccessToken:          "access-" + uuid.New().String(),
		RefreshToken:         "refresh-" + uuid.New().String(),
		TokenExpiresAt:       now.Add(expiresIn),
		RefreshTokenIssuedAt: now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// CreateTestContext creates a context carrying the given user id
func CreateTestContext(userID string) context.Context {
	return appctx.SetUserID(context.Background(), userID)
}

// InMemoryConnectionStore is a thread-safe connection repository for tests.
// UpdateTokens is a real compare-and-swap on UpdatedAt.
type InMemoryConnectionStore struct {
	mu          sync.Mutex
	connections map[string]*models.AccountingConnection

	TokenWrites   int
	RateLimitHits []models.RateLimitSnapshot
	ErrorUpdates  []models.ConnectionErrorUpdate
	APICalls      int
}

func NewInMemoryConnectionStore(connections ...*models.AccountingConnection) *InMemoryConnectionStore {
	store := &InMemoryConnectionStore{connections: make(map[string]*models.AccountingConnection)}
	for _, connection := range connections {
		store.Put(connection)
	}
	return store
}

// Put stores a copy of connection, replacing any existing one
func (s *InMemoryConnectionStore) Put(connection *models.AccountingConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *connection
	s.connections[connection.ID] = &clone
}

// Snapshot returns a copy of the stored connection
func (s *InMemoryConnectionStore) Snapshot(id string) *models.AccountingConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	connection, ok := s.connections[id]
	if !ok {
		return nil
	}
	clone := *connection
	return &clone
}

func (s *InMemoryConnectionStore) CreateConnection(_ context.Context, connection *models.AccountingConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.connections[connection.ID]; exists {
		return fmt.Errorf("connection %s already exists", connection.ID)
	}
	now := time.Now().UTC()
	connection.CreatedAt = now
	connection.UpdatedAt = now
	connection.RefreshTokenIssuedAt = now
	clone := *connection
	s.connections[connection.ID] = &clone
	return nil
}

func (s *InMemoryConnectionStore) GetConnectionByID(
	_ context.Context,
	id string,
) (mo.Option[*models.AccountingConnection], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	connection, ok := s.connections[id]
	if !ok {
		return mo.None[*models.AccountingConnection](), nil
	}
	clone := *connection
	return mo.Some(&clone), nil
}

func (s *InMemoryConnectionStore) GetActiveConnectionByUserID(
	_ context.Context,
	userID string,
) (mo.Option[*models.AccountingConnection], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, connection := range s.connections {
		if connection.UserID == userID && connection.IsActive {
			clone := *connection
			return mo.Some(&clone), nil
		}
	}
	return mo.None[*models.AccountingConnection](), nil
}

func (s *InMemoryConnectionStore) GetConnectionByUserAndTenant(
	_ context.Context,
	userID, tenantID string,
) (mo.Option[*models.AccountingConnection], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, connection := range s.connections {
		if connection.UserID == userID && connection.TenantID == tenantID {
			clone := *connection
			return mo.Some(&clone), nil
		}
	}
	return mo.None[*models.AccountingConnection](), nil
}

func (s *InMemoryConnectionStore) ListConnectionsByUserID(
	_ context.Context,
	userID string,
) ([]*models.AccountingConnection, error) {
	return s.list(func(c *models.AccountingConnection) bool { return c.UserID == userID }), nil
}

func (s *InMemoryConnectionStore) ListConnectionsByGrantID(
	_ context.Context,
	grantID string,
) ([]*models.AccountingConnection, error) {
	if grantID == "" {
		return []*models.AccountingConnection{}, nil
	}
	return s.list(func(c *models.AccountingConnection) bool { return c.GrantID == grantID }), nil
}

func (s *InMemoryConnectionStore) ListActiveConnections(_ context.Context) ([]*models.AccountingConnection, error) {
	return s.list(func(c *models.AccountingConnection) bool { return c.IsActive }), nil
}

func (s *InMemoryConnectionStore) UpdateTokens(
	_ context.Context,
	id string,
	update models.TokenUpdate,
) (*models.AccountingConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	connection, ok := s.connections[id]
	if !ok {
		return nil, fmt.Errorf("accounting connection %s: %w", id, core.ErrNotFound)
	}
	if !connection.UpdatedAt.Equal(update.ExpectedUpdatedAt) {
		return nil, fmt.Errorf("accounting connection %s: %w", id, core.ErrConflict)
	}

	now := time.Now().UTC()
	connection.AccessToken = update.AccessToken
	connection.RefreshToken = update.RefreshToken
	connection.TokenExpiresAt = update.ExpiresAt
	if update.AuthEventID != nil {
		connection.AuthEventID = update.AuthEventID
	}
	if update.GrantID != "" {
		connection.GrantID = update.GrantID
	}
	if update.ResetRefreshIssuedAt {
		connection.RefreshTokenIssuedAt = now
	}
	if bumped := connection.UpdatedAt.Add(time.Microsecond); now.Before(bumped) {
		now = bumped
	}
	connection.UpdatedAt = now
	s.TokenWrites++

	clone := *connection
	return &clone, nil
}

func (s *InMemoryConnectionStore) UpdateRateLimitInfo(
	_ context.Context,
	id string,
	snapshot models.RateLimitSnapshot,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	connection, ok := s.connections[id]
	if !ok {
		return fmt.Errorf("accounting connection %s: %w", id, core.ErrNotFound)
	}
	if snapshot.MinuteRemaining != nil {
		connection.MinuteRemaining = snapshot.MinuteRemaining
	}
	if snapshot.DayRemaining != nil {
		connection.DayRemaining = snapshot.DayRemaining
	}
	connection.RateLimitResetAt = snapshot.ResetAt
	connection.RateLimitProblem = nil
	if snapshot.Problem != "" {
		problem := snapshot.Problem
		connection.RateLimitProblem = &problem
	}
	s.RateLimitHits = append(s.RateLimitHits, snapshot)
	return nil
}

func (s *InMemoryConnectionStore) UpdateConnectionError(
	_ context.Context,
	id string,
	update models.ConnectionErrorUpdate,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	connection, ok := s.connections[id]
	if !ok {
		return fmt.Errorf("accounting connection %s: %w", id, core.ErrNotFound)
	}
	now := time.Now().UTC()
	kind := update.Kind
	connection.LastErrorMessage = &update.Message
	connection.LastErrorKind = &kind
	connection.LastErrorAt = &now
	if update.CorrelationID != "" {
		connection.LastCorrelationID = &update.CorrelationID
	}
	s.ErrorUpdates = append(s.ErrorUpdates, update)
	return nil
}

func (s *InMemoryConnectionStore) UpdateLastAPICall(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	connection, ok := s.connections[id]
	if !ok {
		return fmt.Errorf("accounting connection %s: %w", id, core.ErrNotFound)
	}
	now := time.Now().UTC()
	connection.LastAPICallAt = &now
	s.APICalls++
	return nil
}

func (s *InMemoryConnectionStore) DeactivateUserConnections(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, connection := range s.connections {
		if connection.UserID == userID {
			connection.IsActive = false
		}
	}
	return nil
}

func (s *InMemoryConnectionStore) ActivateConnection(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	connection, ok := s.connections[id]
	if !ok || connection.UserID != userID {
		return fmt.Errorf("accounting connection %s: %w", id, core.ErrNotFound)
	}
	connection.IsActive = true
	return nil
}

func (s *InMemoryConnectionStore) DeleteConnection(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	connection, ok := s.connections[id]
	if !ok || connection.UserID != userID {
		return fmt.Errorf("accounting connection %s: %w", id, core.ErrNotFound)
	}
	delete(s.connections, id)
	return nil
}

func (s *InMemoryConnectionStore) list(keep func(*models.AccountingConnection) bool) []*models.AccountingConnection {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := []*models.AccountingConnection{}
	for _, connection := range s.connections {
		if keep(connection) {
			clone := *connection
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}
