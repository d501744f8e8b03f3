// Package delivery uploads a completed file to a chat destination.
//
// One Deliverer is selected at startup from config.DestinationConfig and used
// for the lifetime of the process:
//
//	slack    files.getUploadURLExternal, upload, files.completeUploadExternal
//	discord  one multipart POST to a fixed webhook URL
//	webhook  one multipart POST to a generic endpoint with a signed JWT
//
// Every failure returned by Deliver wraps ErrDeliveryFailed. Deliveries are
// attempted exactly once; callers log the outcome.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/scanrelay/agent/internal/config"
)

// ErrDeliveryFailed is wrapped by every error returned from Deliver.
var ErrDeliveryFailed = errors.New("delivery failed")

// Task is one file to upload.
type Task struct {
	// ID correlates the log lines of one delivery.
	ID string
	// Destination is the opaque identifier from the mapping, e.g. a Slack
	// channel ID.
	Destination string
	// Group is the file's parent directory relative to the watch root.
	Group string
	// Filename is the final path component.
	Filename string
	// SourcePath is the absolute path the file is read from.
	SourcePath string
}

// Deliverer uploads one file. Implementations must be safe for concurrent
// use.
type Deliverer interface {
	Deliver(ctx context.Context, task Task) error
}

// OriginNote is the human-readable message attached to every upload.
func OriginNote(task Task) string {
	return fmt.Sprintf("Received '%s' from folder '%s'", task.Filename, task.Group)
}

// defaultTimeout bounds one HTTP request when no client is supplied.
const defaultTimeout = 60 * time.Second

type options struct {
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Deliverer built by New.
type Option func(*options)

// WithHTTPClient sets the HTTP client shared by every request.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithLogger sets the logger used for per-request debug output.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the time source used for token timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New returns the Deliverer selected by cfg.Kind.
func New(cfg config.DestinationConfig, opts ...Option) (Deliverer, error) {
	o := options{
		client: &http.Client{Timeout: defaultTimeout},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	switch cfg.Kind {
	case config.KindSlack:
		return newSlack(cfg.Slack, o)
	case config.KindDiscord:
		return newDiscord(cfg.Discord, o)
	case config.KindWebhook:
		return newWebhook(cfg.Webhook, o)
	default:
		return nil, fmt.Errorf("delivery: unknown destination kind %q", cfg.Kind)
	}
}

// failf wraps a failure so that it matches ErrDeliveryFailed.
func failf(format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrDeliveryFailed, fmt.Errorf(format, args...))
}
