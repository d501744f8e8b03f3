package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/scanrelay/agent/internal/config"
)

// defaultSlackBaseURL is the Slack Web API root.
const defaultSlackBaseURL = "https://slack.com/api"

// slackDeliverer implements the three-step external upload flow.
type slackDeliverer struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
	token   string
}

// slackEnvelope is the part of every Web API response that signals success.
type slackEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type getUploadURLResponse struct {
	slackEnvelope
	UploadURL string `json:"upload_url"`
	FileID    string `json:"file_id"`
}

type completeUploadFile struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

type completeUploadRequest struct {
	ChannelID      string               `json:"channel_id"`
	Files          []completeUploadFile `json:"files"`
	InitialComment string               `json:"initial_comment,omitempty"`
}

type completeUploadResponse struct {
	slackEnvelope
	Files []completeUploadFile `json:"files"`
}

func newSlack(cfg config.SlackConfig, o options) (*slackDeliverer, error) {
	if cfg.Token == "" {
		return nil, errors.New("delivery: slack token is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultSlackBaseURL
	}
	return &slackDeliverer{
		client:  o.client,
		logger:  o.logger,
		baseURL: strings.TrimRight(base, "/"),
		token:   cfg.Token,
	}, nil
}

// Deliver uploads task.SourcePath to the channel named by task.Destination.
func (s *slackDeliverer) Deliver(ctx context.Context, task Task) error {
	info, err := os.Stat(task.SourcePath)
	if err != nil {
		return failf("slack: stat %s: %w", task.SourcePath, err)
	}

	up, err := s.getUploadURL(ctx, task.Filename, info.Size())
	if err != nil {
		return failf("slack: get upload url: %w", err)
	}
	s.logger.Debug("slack: upload url obtained",
		slog.String("task_id", task.ID),
		slog.String("file_id", up.FileID),
	)

	if err := s.uploadFile(ctx, up.UploadURL, task); err != nil {
		return failf("slack: upload file: %w", err)
	}

	req := completeUploadRequest{
		ChannelID:      task.Destination,
		Files:          []completeUploadFile{{ID: up.FileID, Title: task.Filename}},
		InitialComment: OriginNote(task),
	}
	var done completeUploadResponse
	if err := s.postJSON(ctx, "/files.completeUploadExternal", req, &done, &done.slackEnvelope); err != nil {
		return failf("slack: complete upload: %w", err)
	}
	return nil
}

func (s *slackDeliverer) getUploadURL(ctx context.Context, filename string, length int64) (*getUploadURLResponse, error) {
	q := url.Values{}
	q.Set("filename", filename)
	q.Set("length", strconv.FormatInt(length, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/files.getUploadURLExternal?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	var out getUploadURLResponse
	if err := s.do(req, &out, &out.slackEnvelope); err != nil {
		return nil, err
	}
	if out.UploadURL == "" || out.FileID == "" {
		return nil, errors.New("response is missing upload_url or file_id")
	}
	return &out, nil
}

func (s *slackDeliverer) uploadFile(ctx context.Context, uploadURL string, task Task) error {
	form, err := newFileForm(nil, "file", task.Filename, task.SourcePath)
	if err != nil {
		return err
	}
	defer form.body.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, form.body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", form.contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	return checkStatus(resp)
}

func (s *slackDeliverer) postJSON(ctx context.Context, method string, body, out any, env *slackEnvelope) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+method, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	return s.do(req, out, env)
}

// do sends req, decodes the JSON body into out, and reports an "ok": false
// envelope as an error.
func (s *slackDeliverer) do(req *http.Request, out any, env *slackEnvelope) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.OK {
		if env.Error == "" {
			return errors.New("slack api error: unknown")
		}
		return fmt.Errorf("slack api error: %s", env.Error)
	}
	return nil
}
