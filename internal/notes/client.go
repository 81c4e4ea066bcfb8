// Package notes is the HTTP client for the external notes service.
package notes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mailzen/ingest-api/internal/config"
	"github.com/mailzen/ingest-api/internal/model"
	"github.com/mailzen/ingest-api/pkg/logger"
)

// Service is what the dispatcher needs from the notes backend: context
// lookup before analysis, note creation after it.
type Service interface {
	FindByTriggerWords(ctx context.Context, userID, text string) ([]model.Note, error)
	Create(ctx context.Context, userID string, draft *model.NoteDraft) (*model.Note, error)
}

type Client struct {
	baseURL      string
	contextLimit int
	httpClient   *http.Client
	logger       *logger.Logger
}

func NewClient(cfg config.NotesConfig, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := cfg.ContextLimit
	if limit <= 0 {
		limit = 5
	}
	return &Client{
		baseURL:      cfg.URL,
		contextLimit: limit,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       log.With("notes"),
	}
}

type searchRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
	Limit  int    `json:"limit"`
}

func (c *Client) FindByTriggerWords(ctx context.Context, userID, text string) ([]model.Note, error) {
	var notes []model.Note
	err := c.post(ctx, "/notes/search", searchRequest{
		UserID: userID,
		Text:   text,
		Limit:  c.contextLimit,
	}, &notes)
	if err != nil {
		return nil, err
	}
	return notes, nil
}

type createRequest struct {
	UserID string           `json:"user_id"`
	Draft  *model.NoteDraft `json:"draft"`
}

func (c *Client) Create(ctx context.Context, userID string, draft *model.NoteDraft) (*model.Note, error) {
	var note model.Note
	err := c.post(ctx, "/notes", createRequest{UserID: userID, Draft: draft}, &note)
	if err != nil {
		return nil, err
	}
	return &note, nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode notes request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build notes request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notes request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notes service returned %d: %s", resp.StatusCode, body)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode notes response: %w", err)
		}
	}
	return nil
}
