package apierrors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"ledgerbackend/clients"
	"ledgerbackend/models"
)

// ParsedError is the classified form of any failure in the accounting layer.
// Message is safe to show to users; Detail is the technical description.
type ParsedError struct {
	Kind          models.ConnectionErrorKind
	Message       string
	Detail        string
	CorrelationID string
	StatusCode    int
	RetryAfter    time.Duration
	// Window is "minute" or "day" when a rate limit names the exhausted budget
	Window string
	Cause  error
}

func (e *ParsedError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *ParsedError) Unwrap() error {
	return e.Cause
}

// RequiresReconnect reports whether the stored credentials are no longer usable
func (e *ParsedError) RequiresReconnect() bool {
	switch e.Kind {
	case models.ErrorKindAuthorization, models.ErrorKindToken, models.ErrorKindRefreshConflict:
		return true
	}
	return false
}

// IsRateLimited reports whether the remote service rejected the call with 429
func (e *ParsedError) IsRateLimited() bool {
	return e.Kind == models.ErrorKindRateLimit && e.StatusCode == http.StatusTooManyRequests
}

func (e *ParsedError) IsTransient() bool {
	return e.Kind == models.ErrorKindTransient
}

// UserMessage renders the message shown to end users, with the correlation
// id appended as a support reference when one is known.
func (e *ParsedError) UserMessage() string {
	message := e.Message
	if message == "" {
		message = defaultMessages[e.Kind]
	}
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s (ref: %s)", message, e.CorrelationID)
	}
	return message
}

// ToUpdate converts the error into the fields persisted on the connection
func (e *ParsedError) ToUpdate() models.ConnectionErrorUpdate {
	return models.ConnectionErrorUpdate{
		Message:       e.UserMessage(),
		Kind:          e.Kind,
		CorrelationID: e.CorrelationID,
		Details:       e.Detail,
	}
}

var defaultMessages = map[models.ConnectionErrorKind]string{
	models.ErrorKindNotConnected:    "No accounting organisation is connected. Connect one from settings and try again.",
	models.ErrorKindRateLimit:       "The accounting service is rate limiting requests. Please wait a moment and try again.",
	models.ErrorKindAuthorization:   "Access to the accounting organisation was denied. Please reconnect your account.",
	models.ErrorKindToken:           "Your accounting connection has expired. Please reconnect your account.",
	models.ErrorKindValidation:      "The accounting service rejected the request.",
	models.ErrorKindTransient:       "The accounting service is temporarily unavailable. Please try again shortly.",
	models.ErrorKindUnknown:         "Something went wrong while talking to the accounting service.",
	models.ErrorKindRefreshConflict: "Your accounting connection could not be refreshed safely. Please reconnect your account.",
}

// New builds a ParsedError with the default user message for kind
func New(kind models.ConnectionErrorKind, detail string) *ParsedError {
	return &ParsedError{Kind: kind, Message: defaultMessages[kind], Detail: detail}
}

func NotConnected(detail string) *ParsedError {
	return New(models.ErrorKindNotConnected, detail)
}

// Validation builds a caller-correctable error whose message is shown as-is
func Validation(message string) *ParsedError {
	return &ParsedError{Kind: models.ErrorKindValidation, Message: message, Detail: message}
}

// AsParsedError extracts a *ParsedError from err's chain
func AsParsedError(err error) (*ParsedError, bool) {
	var parsed *ParsedError
	if errors.As(err, &parsed) {
		return parsed, true
	}
	return nil, false
}

var tokenWords = []string{"invalid_grant", "invalid_token", "token expired", "tokenexpired", "expired token", "unauthorized_client"}

var scopeWords = []string{"scope", "permission", "forbidden"}

// Classify maps any error from the accounting layer onto the error taxonomy
func Classify(err error) *ParsedError {
	if err == nil {
		return nil
	}

	if parsed, ok := AsParsedError(err); ok {
		return parsed
	}

	var apiErr *clients.APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr)
	}

	if isTransientNetworkError(err) {
		parsed := New(models.ErrorKindTransient, err.Error())
		parsed.Cause = err
		return parsed
	}

	parsed := New(models.ErrorKindUnknown, err.Error())
	parsed.Cause = err
	return parsed
}

func classifyAPIError(apiErr *clients.APIError) *ParsedError {
	body := strings.ToLower(string(apiErr.Body))
	parsed := &ParsedError{
		StatusCode:    apiErr.StatusCode,
		Detail:        apiErr.Error(),
		CorrelationID: CorrelationID(apiErr.Header),
		Cause:         apiErr,
	}

	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		parsed.Kind = models.ErrorKindRateLimit
		parsed.RetryAfter, _ = ParseRetryAfter(apiErr.Header.Get("Retry-After"), time.Now())
		parsed.Window = windowFromHeader(apiErr.Header)
	case apiErr.StatusCode == http.StatusUnauthorized:
		parsed.Kind = models.ErrorKindAuthorization
		if strings.Contains(body, "token") {
			parsed.Kind = models.ErrorKindToken
		}
	case apiErr.StatusCode == http.StatusForbidden:
		parsed.Kind = models.ErrorKindAuthorization
		if containsAny(body, scopeWords) {
			parsed.Message = "The connected accounting organisation has not granted the permission this action needs. Please reconnect and approve the requested access."
		}
	case apiErr.StatusCode == http.StatusBadRequest && containsAny(body, tokenWords):
		parsed.Kind = models.ErrorKindToken
	case apiErr.StatusCode == http.StatusBadRequest,
		apiErr.StatusCode == http.StatusNotFound,
		apiErr.StatusCode == http.StatusUnprocessableEntity:
		parsed.Kind = models.ErrorKindValidation
		parsed.Message = validationMessage(apiErr)
	case apiErr.StatusCode == http.StatusRequestTimeout, apiErr.StatusCode >= 500:
		parsed.Kind = models.ErrorKindTransient
	default:
		parsed.Kind = models.ErrorKindUnknown
	}

	if parsed.Message == "" {
		parsed.Message = defaultMessages[parsed.Kind]
	}
	return parsed
}

// CorrelationID returns the remote service's request correlation id, if any
func CorrelationID(header http.Header) string {
	if header == nil {
		return ""
	}
	for _, key := range []string{"Xero-Correlation-Id", "X-Correlation-Id", "X-Request-Id"} {
		if value := strings.TrimSpace(header.Get(key)); value != "" {
			return value
		}
	}
	return ""
}

// ParseRetryAfter accepts either delta-seconds or an HTTP date
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}

	if at, err := http.ParseTime(value); err == nil {
		wait := at.Sub(now)
		if wait < 0 {
			wait = 0
		}
		return wait, true
	}

	return 0, false
}

func windowFromHeader(header http.Header) string {
	problem := strings.ToLower(header.Get("X-Rate-Limit-Problem"))
	switch {
	case strings.Contains(problem, "day"):
		return "day"
	case strings.Contains(problem, "minute"):
		return "minute"
	case strings.TrimSpace(header.Get("X-DayLimit-Remaining")) == "0":
		return "day"
	case strings.TrimSpace(header.Get("X-MinLimit-Remaining")) == "0",
		strings.TrimSpace(header.Get("X-AppMinLimit-Remaining")) == "0":
		return "minute"
	}
	return ""
}

type validationBody struct {
	Message  string `json:"Message"`
	Detail   string `json:"Detail"`
	Elements []struct {
		ValidationErrors []struct {
			Message string `json:"Message"`
		} `json:"ValidationErrors"`
	} `json:"Elements"`
}

func validationMessage(apiErr *clients.APIError) string {
	if apiErr.StatusCode == http.StatusNotFound {
		return "The requested record was not found in the accounting organisation."
	}

	var body validationBody
	if err := json.Unmarshal(apiErr.Body, &body); err != nil {
		return defaultMessages[models.ErrorKindValidation]
	}

	var messages []string
	for _, element := range body.Elements {
		for _, validationErr := range element.ValidationErrors {
			if validationErr.Message != "" {
				messages = append(messages, validationErr.Message)
			}
		}
	}
	if len(messages) > 0 {
		return "The accounting service rejected the request: " + strings.Join(messages, "; ")
	}
	if body.Detail != "" {
		return "The accounting service rejected the request: " + body.Detail
	}
	if body.Message != "" {
		return "The accounting service rejected the request: " + body.Message
	}
	return defaultMessages[models.ErrorKindValidation]
}

func isTransientNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	message := strings.ToLower(err.Error())
	return containsAny(message, []string{"connection reset", "connection refused", "broken pipe", "unexpected eof", "i/o timeout"})
}

func containsAny(s string, words []string) bool {
	for _, word := range words {
		if strings.Contains(s, word) {
			return true
		}
	}
	return false
}
