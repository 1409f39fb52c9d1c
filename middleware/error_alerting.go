package middleware

import (
	"bytes"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

type AlertConfig struct {
	WebhookURL  string
	Environment string
	AppName     string
	LogsURL     string
}

type ErrorAlertMiddleware struct {
	config        AlertConfig
	httpClient    *http.Client
	alertedErrors map[string]time.Time // hash -> last alert time
	mutex         sync.Mutex
	alertCooldown time.Duration
	wg            sync.WaitGroup
}

func NewErrorAlertMiddleware(config AlertConfig) *ErrorAlertMiddleware {
	return &ErrorAlertMiddleware{
		config:        config,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		alertedErrors: make(map[string]time.Time),
		alertCooldown: 10 * time.Minute,
	}
}

// HTTPMiddleware recovers handler panics, answers 500 and alerts
func (m *ErrorAlertMiddleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				m.alertOnPanic(fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path), rec)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// WrapBackgroundTask alerts when task fails or panics
func (m *ErrorAlertMiddleware) WrapBackgroundTask(taskName string, task func() error) func() error {
	return func() (err error) {
		context := fmt.Sprintf("Background task: %s", taskName)
		defer func() {
			if rec := recover(); rec != nil {
				m.alertOnPanic(context, rec)
				err = fmt.Errorf("%s panicked: %v", taskName, rec)
			}
		}()

		if err := task(); err != nil {
			m.AlertOnError(err, context)
			return err
		}
		return nil
	}
}

// AlertOnError sends at most one alert per distinct error per cooldown
func (m *ErrorAlertMiddleware) AlertOnError(err error, context string) {
	errorMsg := fmt.Sprintf("%s: %v", context, err)
	hash := fmt.Sprintf("%x", md5.Sum([]byte(errorMsg)))

	m.mutex.Lock()
	if lastAlert, exists := m.alertedErrors[hash]; exists && time.Since(lastAlert) < m.alertCooldown {
		m.mutex.Unlock()
		return
	}
	m.alertedErrors[hash] = time.Now()
	m.mutex.Unlock()

	m.sendAsync(errorMsg, context)
}

// Wait blocks until in-flight alerts are delivered
func (m *ErrorAlertMiddleware) Wait() {
	m.wg.Wait()
}

func (m *ErrorAlertMiddleware) alertOnPanic(context string, recovered any) {
	errorMsg := fmt.Sprintf("%s: PANIC - %v", context, recovered)
	zap.L().Error("Recovered from panic", zap.String("context", context), zap.Any("panic", recovered))
	m.sendAsync(errorMsg, context+" (PANIC)")
}

func (m *ErrorAlertMiddleware) sendAsync(errorMsg, context string) {
	if m.config.WebhookURL == "" {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sendAlert(errorMsg, context)
	}()
}

func (m *ErrorAlertMiddleware) sendAlert(errorMsg, context string) {
	envPrefix := ""
	if m.config.Environment == "dev" {
		envPrefix = "[dev] "
	}

	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": fmt.Sprintf("%s[%s] Error Alert", envPrefix, m.config.AppName),
			},
		},
		{
			"type": "section",
			"fields": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("*Service:* %s", m.config.AppName)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Environment:* %s", m.config.Environment)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Context:* %s", context)},
			},
		},
		{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Error:*\n```%s```", errorMsg),
			},
		},
	}
	if m.config.LogsURL != "" {
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("<%s|View Logs>", m.config.LogsURL)},
		})
	}

	payloadBytes, err := json.Marshal(map[string]any{"text": errorMsg, "blocks": blocks})
	if err != nil {
		zap.L().Error("Failed to encode alert payload", zap.Error(err))
		return
	}

	resp, err := m.httpClient.Post(m.config.WebhookURL, "application/json", bytes.NewReader(payloadBytes))
	if err != nil {
		zap.L().Error("Failed to send error alert", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		zap.L().Error("Error alert failed", zap.Int("status", resp.StatusCode))
	}
}
