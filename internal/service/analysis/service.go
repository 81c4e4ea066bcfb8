// Package analysis exposes stored analysis results to the read API.
package analysis

import (
	"context"

	"github.com/mailzen/ingest-api/internal/model"
	"github.com/mailzen/ingest-api/internal/repository"
	"github.com/mailzen/ingest-api/pkg/logger"
)

type Service struct {
	analyses repository.AnalysisRepository
	logger   *logger.Logger
}

func NewService(analyses repository.AnalysisRepository, log *logger.Logger) *Service {
	return &Service{
		analyses: analyses,
		logger:   log.With("analysis_service"),
	}
}

func (s *Service) List(ctx context.Context, filter repository.AnalysisFilter) ([]*model.EmailAnalysis, error) {
	return s.analyses.List(ctx, filter)
}

func (s *Service) Get(ctx context.Context, userID string, provider model.Provider, messageID string) (*model.EmailAnalysis, error) {
	return s.analyses.Get(ctx, userID, provider, messageID)
}

// CategoryStats returns per-category usage counts, including zero counts
// for the default categories so clients always see the full set.
func (s *Service) CategoryStats(ctx context.Context, userID string) (map[string]int, error) {
	counts, err := s.analyses.CategoryCounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, category := range model.DefaultCategories {
		if _, ok := counts[category]; !ok {
			counts[category] = 0
		}
	}
	return counts, nil
}
