// Package analyzer calls the external analysis service that scores and
// categorizes mail content.
package analyzer

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

// Analyzer is the dispatcher's view of the analysis service.
type Analyzer interface {
	Analyze(ctx context.Context, msg *model.EmailMessage, noteContext []model.Note) (*model.EmailAnalysis, error)
}

type Client struct {
	url        string
	httpClient *http.Client
	logger     *logger.Logger
}

func NewClient(cfg config.AnalyzerConfig, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With("analyzer"),
	}
}

type analyzeRequest struct {
	From        string       `json:"from"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Categories  []string     `json:"categories"`
	NoteContext []model.Note `json:"noteContext,omitempty"`
}

type analyzeResponse struct {
	Importance       int      `json:"importance"`
	Categories       []string `json:"categories"`
	SenderSummary    string   `json:"senderSummary"`
	SenderValidated  bool     `json:"senderValidated"`
	ContentSummary   string   `json:"contentSummary"`
	ExtractedInfo    []string `json:"extractedInfo"`
	MatchedNoteIDs   []string `json:"matchedNoteIds"`
	ShouldCreateNote bool     `json:"shouldCreateNote"`
	NoteTitle        string   `json:"noteTitle"`
	NoteKeywords     []string `json:"noteKeywords"`
	NoteContent      string   `json:"noteContent"`
}

func (c *Client) Analyze(ctx context.Context, msg *model.EmailMessage, noteContext []model.Note) (*model.EmailAnalysis, error) {
	payload, err := json.Marshal(analyzeRequest{
		From:        msg.From,
		Subject:     msg.Subject,
		Body:        msg.Body,
		Categories:  model.DefaultCategories,
		NoteContext: noteContext,
	})
	if err != nil {
		return nil, &model.AnalysisError{MessageID: msg.MessageID, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, &model.AnalysisError{MessageID: msg.MessageID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &model.AnalysisError{MessageID: msg.MessageID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &model.AnalysisError{
			MessageID: msg.MessageID,
			Err:       fmt.Errorf("analyzer returned %d: %s", resp.StatusCode, body),
		}
	}

	var result analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &model.AnalysisError{MessageID: msg.MessageID, Err: err}
	}

	analysis := &model.EmailAnalysis{
		Provider:         msg.Provider,
		MessageID:        msg.MessageID,
		Importance:       model.ClampImportance(result.Importance),
		Categories:       result.Categories,
		SenderSummary:    result.SenderSummary,
		SenderValidated:  result.SenderValidated,
		Summary:          result.ContentSummary,
		ExtractedInfo:    result.ExtractedInfo,
		MatchedNoteIDs:   result.MatchedNoteIDs,
		ShouldCreateNote: result.ShouldCreateNote,
		NoteKeywords:     result.NoteKeywords,
	}
	if len(analysis.Categories) == 0 {
		analysis.Categories = []string{"other"}
	}
	if result.ShouldCreateNote {
		if result.NoteTitle != "" {
			analysis.NoteTitle = &result.NoteTitle
		}
		if result.NoteContent != "" {
			analysis.NoteContent = &result.NoteContent
		}
	}
	return analysis, nil
}
