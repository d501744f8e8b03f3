package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/scanrelay/agent/internal/config"
)

const (
	defaultWebhookIssuer   = "scanrelay"
	defaultWebhookTokenTTL = 5 * time.Minute
)

// webhookDeliverer posts each file to a generic HTTP endpoint. Requests
// carry a short-lived HS256 token so the receiver can check the sender and
// the intended destination.
type webhookDeliverer struct {
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time
	url      string
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
}

func newWebhook(cfg config.WebhookConfig, o options) (*webhookDeliverer, error) {
	if cfg.URL == "" {
		return nil, errors.New("delivery: webhook url is required")
	}
	if cfg.Secret == "" {
		return nil, errors.New("delivery: webhook secret is required")
	}
	w := &webhookDeliverer{
		client:   o.client,
		logger:   o.logger,
		now:      o.now,
		url:      cfg.URL,
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.TokenTTL,
	}
	if w.issuer == "" {
		w.issuer = defaultWebhookIssuer
	}
	if w.ttl <= 0 {
		w.ttl = defaultWebhookTokenTTL
	}
	return w, nil
}

// sign returns a bearer token bound to one task and destination.
func (w *webhookDeliverer) sign(task Task) (string, error) {
	now := w.now()
	claims := jwt.RegisteredClaims{
		Issuer:    w.issuer,
		Subject:   task.Destination,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(w.ttl)),
		ID:        task.ID,
	}
	if w.audience != "" {
		claims.Audience = jwt.ClaimStrings{w.audience}
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(w.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (w *webhookDeliverer) Deliver(ctx context.Context, task Task) error {
	token, err := w.sign(task)
	if err != nil {
		return failf("webhook: %w", err)
	}

	form, err := newFileForm([]formField{
		{name: "destination", value: task.Destination},
		{name: "group", value: task.Group},
		{name: "filename", value: task.Filename},
		{name: "note", value: OriginNote(task)},
	}, "file", task.Filename, task.SourcePath)
	if err != nil {
		return failf("webhook: %w", err)
	}
	defer form.body.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, form.body)
	if err != nil {
		return failf("webhook: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", form.contentType)
	req.Header.Set("X-Request-ID", task.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return failf("webhook: send request: %w", err)
	}
	defer drain(resp)

	if err := checkStatus(resp); err != nil {
		return failf("webhook: %w", err)
	}
	w.logger.Debug("webhook: endpoint accepted upload",
		slog.String("task_id", task.ID),
		slog.Int("status", resp.StatusCode),
	)
	return nil
}
