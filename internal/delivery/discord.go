package delivery

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/scanrelay/agent/internal/config"
)

const defaultDiscordUsername = "scans"

// discordDeliverer posts every file to one fixed webhook. Task.Destination is
// not used: the webhook URL already names the channel.
type discordDeliverer struct {
	client     *http.Client
	logger     *slog.Logger
	webhookURL string
	username   string
}

func newDiscord(cfg config.DiscordConfig, o options) (*discordDeliverer, error) {
	if cfg.WebhookURL == "" {
		return nil, errors.New("delivery: discord webhook url is required")
	}
	username := cfg.Username
	if username == "" {
		username = defaultDiscordUsername
	}
	return &discordDeliverer{
		client:     o.client,
		logger:     o.logger,
		webhookURL: cfg.WebhookURL,
		username:   username,
	}, nil
}

func (d *discordDeliverer) Deliver(ctx context.Context, task Task) error {
	form, err := newFileForm([]formField{
		{name: "content", value: OriginNote(task)},
		{name: "username", value: d.username},
	}, "file", task.Filename, task.SourcePath)
	if err != nil {
		return failf("discord: %w", err)
	}
	defer form.body.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, form.body)
	if err != nil {
		return failf("discord: build request: %w", err)
	}
	req.Header.Set("Content-Type", form.contentType)

	resp, err := d.client.Do(req)
	if err != nil {
		return failf("discord: send request: %w", err)
	}
	defer drain(resp)

	if err := checkStatus(resp); err != nil {
		return failf("discord: %w", err)
	}
	d.logger.Debug("discord: webhook accepted upload",
		slog.String("task_id", task.ID),
		slog.Int("status", resp.StatusCode),
	)
	return nil
}
