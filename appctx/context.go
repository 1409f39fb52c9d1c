package appctx

import (
	"context"
)

// Context key for storing request-scoped identity
type contextKey string

const (
	UserIDContextKey    contextKey = "user_id"
	RequestIDContextKey contextKey = "request_id"
)

// SetUserID adds the authenticated user id to the request context
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDContextKey, userID)
}

// GetUserID extracts the authenticated user id from the request context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDContextKey).(string)
	return userID, ok && userID != ""
}

// SetRequestID adds the request correlation id to the context
func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDContextKey, requestID)
}

// GetRequestID extracts the request correlation id from the context
func GetRequestID(ctx context.Context) string {
	requestID, _ := ctx.Value(RequestIDContextKey).(string)
	return requestID
}
