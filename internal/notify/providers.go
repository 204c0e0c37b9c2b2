package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store"
)

type Provider interface {
	Send(ctx context.Context, notification store.OutboxNotification) error
}

type ProviderConfig struct {
	Kind         string
	WebhookURL   string
	WebhookToken string
}

// NewProvider resolves a provider by name. Unknown names and a webhook
// without a URL fall back to logging.
func NewProvider(cfg ProviderConfig, logger *zap.Logger) Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Kind) {
	case "noop":
		return noopProvider{}
	case "fail":
		return failProvider{}
	case "webhook":
		if cfg.WebhookURL == "" {
			return logProvider{logger: logger}
		}
		return webhookProvider{url: cfg.WebhookURL, token: cfg.WebhookToken, client: &http.Client{Timeout: 5 * time.Second}}
	default:
		return logProvider{logger: logger}
	}
}

type logProvider struct {
	logger *zap.Logger
}

func (p logProvider) Send(ctx context.Context, n store.OutboxNotification) error {
	p.logger.Info("notification",
		zap.String("notification_id", n.NotificationID),
		zap.String("role", n.Role),
		zap.String("location", n.LocationScope),
		zap.String("title", n.Title),
		zap.String("message", n.Message),
		zap.String("link", n.Link),
	)
	return nil
}

type noopProvider struct{}

func (noopProvider) Send(ctx context.Context, n store.OutboxNotification) error {
	return nil
}

type failProvider struct{}

func (failProvider) Send(ctx context.Context, n store.OutboxNotification) error {
	return errors.New("provider failure")
}

type webhookProvider struct {
	url    string
	token  string
	client *http.Client
}

type webhookPayload struct {
	NotificationID string `json:"notification_id"`
	Role           string `json:"role"`
	Location       string `json:"location"`
	Title          string `json:"title"`
	Message        string `json:"message"`
	Link           string `json:"link"`
}

func (p webhookProvider) Send(ctx context.Context, n store.OutboxNotification) error {
	body, err := json.Marshal(webhookPayload{
		NotificationID: n.NotificationID,
		Role:           n.Role,
		Location:       n.LocationScope,
		Title:          n.Title,
		Message:        n.Message,
		Link:           n.Link,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.NotificationID)
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("provider rejected request: %s", resp.Status)
	}
	return nil
}
