package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Message templates rendered by the downstream mailer.
const (
	TemplateMagicLink = "magic_link"
	TemplateInvite    = "tenant_invite"
)

// Message is one outbound notification.
type Message struct {
	Template  string            `json:"template"`
	Recipient string            `json:"recipient"`
	Data      map[string]string `json:"data"`
}

// Dispatcher hands messages to the delivery pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

// WebhookDispatcher POSTs messages to the notification service.
type WebhookDispatcher struct {
	endpoint   string
	httpClient *http.Client
}

func NewWebhookDispatcher(endpoint string, client *http.Client) *WebhookDispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookDispatcher{endpoint: endpoint, httpClient: client}
}

var _ Dispatcher = (*WebhookDispatcher)(nil)

func (d *WebhookDispatcher) Dispatch(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notification request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification failed: status=%d", resp.StatusCode)
	}
	return nil
}

// Async wraps a dispatcher so delivery happens off the request path. Errors
// are logged, never returned; callers already reported success to the client.
type Async struct {
	inner  Dispatcher
	logger *zap.Logger
}

func NewAsync(inner Dispatcher, logger *zap.Logger) *Async {
	return &Async{inner: inner, logger: logger}
}

var _ Dispatcher = (*Async)(nil)

func (a *Async) Dispatch(_ context.Context, msg Message) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.inner.Dispatch(ctx, msg); err != nil {
			a.logger.Warn("notification dispatch failed",
				zap.String("template", msg.Template),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Nop drops messages. Used in tests and local development without a mailer.
type Nop struct{}

var _ Dispatcher = (*Nop)(nil)

func (Nop) Dispatch(context.Context, Message) error { return nil }
