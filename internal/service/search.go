package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/raphaelgruber/recap/internal/metrics"
	"github.com/raphaelgruber/recap/internal/models"
	"github.com/raphaelgruber/recap/internal/vector"
)

// ErrSearchDisabled is returned when no summary index is configured.
var ErrSearchDisabled = errors.New("summary search is not configured")

// SearchOptions configures a search operation.
type SearchOptions struct {
	Query string
	// Mode restricts hits to one summary mode. Empty matches all.
	Mode  string
	Limit int
}

// Search finds past summaries similar to the query.
func (s *JobService) Search(ctx context.Context, opts SearchOptions) ([]vector.Match, error) {
	if s.index == nil {
		return nil, ErrSearchDisabled
	}
	query := strings.TrimSpace(opts.Query)
	if query == "" {
		return nil, &InputError{Reason: "query is empty"}
	}

	filter := vector.Filter{}
	if opts.Mode != "" {
		mode, err := models.ParseMode(opts.Mode)
		if err != nil {
			return nil, &InputError{Reason: err.Error()}
		}
		filter.Mode = mode
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	defer s.metrics.Track(metrics.OpSearch)()
	matches, err := s.index.SimilaritySearch(ctx, query, limit, filter)
	if err != nil {
		return nil, fmt.Errorf("search summaries: %w", err)
	}
	return matches, nil
}
