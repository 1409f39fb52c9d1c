package models

import (
	"time"
)

type ConnectionErrorKind string

const (
	ErrorKindNotConnected    ConnectionErrorKind = "not_connected"
	ErrorKindRateLimit       ConnectionErrorKind = "rate_limit"
	ErrorKindAuthorization   ConnectionErrorKind = "authorization"
	ErrorKindToken           ConnectionErrorKind = "token"
	ErrorKindValidation      ConnectionErrorKind = "validation"
	ErrorKindTransient       ConnectionErrorKind = "transient"
	ErrorKindUnknown         ConnectionErrorKind = "unknown"
	ErrorKindRefreshConflict ConnectionErrorKind = "refresh_conflict"
)

// AccountingConnection binds one user to one remote accounting organisation.
// AccessToken and RefreshToken hold plaintext in memory; the repository
// encrypts them at rest. Connections created by the same OAuth handshake
// share one GrantID and one token pair.
type AccountingConnection struct {
	ID                   string    `db:"id"                      json:"id"`
	UserID               string    `db:"user_id"                 json:"user_id"`
	TenantID             string    `db:"tenant_id"               json:"tenant_id"`
	TenantName           string    `db:"tenant_name"             json:"tenant_name"`
	IsActive             bool      `db:"is_active"               json:"is_active"`
	AccessToken          string    `db:"access_token"            json:"-"`
	RefreshToken         string    `db:"refresh_token"           json:"-"`
	TokenExpiresAt       time.Time `db:"token_expires_at"        json:"token_expires_at"`
	AuthEventID          *string   `db:"auth_event_id"           json:"-"`
	GrantID              string    `db:"grant_id"                json:"-"`
	RefreshTokenIssuedAt time.Time `db:"refresh_token_issued_at" json:"refresh_token_issued_at"`

	MinuteRemaining  *int       `db:"minute_remaining"    json:"minute_remaining,omitempty"`
	DayRemaining     *int       `db:"day_remaining"       json:"day_remaining,omitempty"`
	RateLimitProblem *string    `db:"rate_limit_problem"  json:"rate_limit_problem,omitempty"`
	RateLimitResetAt *time.Time `db:"rate_limit_reset_at" json:"rate_limit_reset_at,omitempty"`

	LastErrorMessage  *string              `db:"last_error_message"  json:"last_error_message,omitempty"`
	LastErrorKind     *ConnectionErrorKind `db:"last_error_kind"     json:"last_error_kind,omitempty"`
	LastCorrelationID *string              `db:"last_correlation_id" json:"last_correlation_id,omitempty"`
	LastErrorDetails  *string              `db:"last_error_details"  json:"-"`
	LastErrorAt       *time.Time           `db:"last_error_at"       json:"last_error_at,omitempty"`

	LastAPICallAt *time.Time `db:"last_api_call_at" json:"last_api_call_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at"       json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"       json:"updated_at"`
}

// RateLimitSnapshot returns the persisted rate-limit view of the connection
func (c *AccountingConnection) RateLimitSnapshot() RateLimitSnapshot {
	snapshot := RateLimitSnapshot{
		MinuteRemaining: c.MinuteRemaining,
		DayRemaining:    c.DayRemaining,
		ResetAt:         c.RateLimitResetAt,
	}
	if c.RateLimitProblem != nil {
		snapshot.Problem = *c.RateLimitProblem
	}
	return snapshot
}

// HasUsableAccessToken reports whether the stored access token is still valid at now
func (c *AccountingConnection) HasUsableAccessToken(now time.Time) bool {
	return c.AccessToken != "" && c.TokenExpiresAt.After(now)
}

// RateLimitSnapshot is the most recently observed remaining-call state
type RateLimitSnapshot struct {
	MinuteRemaining *int
	DayRemaining    *int
	Problem         string
	RetryAfter      time.Duration
	ResetAt         *time.Time
	ObservedAt      time.Time
}

// TokenUpdate is a conditional token write. It only applies when the stored
// row's updated_at still equals ExpectedUpdatedAt. An empty GrantID keeps the
// stored grant.
type TokenUpdate struct {
	AccessToken          string
	RefreshToken         string
	ExpiresAt            time.Time
	AuthEventID          *string
	GrantID              string
	ResetRefreshIssuedAt bool
	ExpectedUpdatedAt    time.Time
}

type ConnectionErrorUpdate struct {
	Message       string
	Kind          ConnectionErrorKind
	CorrelationID string
	Details       string
}
