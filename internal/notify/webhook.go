// Package notify delivers alerts to a JSON webhook. Delivery failures are
// logged and swallowed; a broken sink must never halt the engine.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Level grades an alert.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Webhook posts alerts to a configured URL. A zero URL disables delivery;
// alerts still go to the log.
type Webhook struct {
	url    string
	client *http.Client
	logger *log.Logger
}

// NewWebhook creates a webhook notifier.
func NewWebhook(url string, logger *log.Logger) *Webhook {
	if logger == nil {
		logger = log.Default()
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

type payload struct {
	Level     Level  `json:"level"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Info sends an informational alert.
func (w *Webhook) Info(ctx context.Context, title, message string) {
	w.send(ctx, LevelInfo, title, message)
}

// Warning sends a warning alert.
func (w *Webhook) Warning(ctx context.Context, title, message string) {
	w.send(ctx, LevelWarning, title, message)
}

// Critical sends a critical alert.
func (w *Webhook) Critical(ctx context.Context, title, message string) {
	w.send(ctx, LevelCritical, title, message)
}

func (w *Webhook) send(ctx context.Context, level Level, title, message string) {
	w.logger.Printf("[%s] %s: %s", level, title, message)
	if w.url == "" {
		return
	}
	body, err := json.Marshal(payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		w.logger.Printf("Encoding alert failed: %v", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Printf("Building alert request failed: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Printf("Delivering alert failed: %v", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		w.logger.Printf("Alert sink returned %s", resp.Status)
	}
}

// String describes the sink for startup logs.
func (w *Webhook) String() string {
	if w.url == "" {
		return "log-only"
	}
	return fmt.Sprintf("webhook %s", w.url)
}
