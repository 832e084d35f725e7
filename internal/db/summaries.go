package db

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/recap/internal/models"
	"github.com/raphaelgruber/recap/internal/vector"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

var _ vector.Index = (*SummaryIndex)(nil)

// SummaryIndex implements vector.Index on the summary table's HNSW index.
type SummaryIndex struct {
	client   *Client
	embedder vector.Embedder
}

// NewSummaryIndex creates an index that embeds text with embedder. The
// embedding dimension must match the one the schema was created with.
func NewSummaryIndex(client *Client, embedder vector.Embedder) *SummaryIndex {
	return &SummaryIndex{client: client, embedder: embedder}
}

type summaryRow struct {
	ID        surrealmodels.RecordID `json:"id"`
	JobID     string                 `json:"job_id"`
	Text      string                 `json:"text"`
	Mode      models.Mode            `json:"mode"`
	CreatedAt time.Time              `json:"created_at"`
	Score     float64                `json:"score"`
}

func (s *SummaryIndex) Index(ctx context.Context, doc vector.Document) error {
	emb, err := s.embedder.Embed(ctx, doc.Text)
	if err != nil {
		return fmt.Errorf("embed summary %s: %w", doc.ID, err)
	}
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = surrealdb.Query[any](ctx, s.client.db, `
		UPSERT type::record("summary", $id) SET
			job_id = $job_id,
			text = $text,
			mode = $mode,
			embedding = $embedding,
			created_at = $created_at
	`, map[string]any{
		"id":         doc.ID,
		"job_id":     doc.JobID,
		"text":       doc.Text,
		"mode":       string(doc.Mode),
		"embedding":  emb,
		"created_at": createdAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("index summary %s: %w", doc.ID, wrapQueryError(err))
	}
	return nil
}

// SimilaritySearch runs an HNSW nearest-neighbour query (ef=40) and orders
// hits by cosine similarity.
func (s *SummaryIndex) SimilaritySearch(ctx context.Context, query string, k int, filter vector.Filter) ([]vector.Match, error) {
	if k <= 0 {
		return nil, nil
	}
	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	vars := map[string]any{"emb": emb, "k": k}
	filterClause := ""
	if filter.Mode != "" {
		filterClause += " AND mode = $mode"
		vars["mode"] = string(filter.Mode)
	}
	if filter.ExcludeJobID != "" {
		filterClause += " AND job_id != $exclude"
		vars["exclude"] = filter.ExcludeJobID
	}

	// The KNN limit is a literal in SurrealQL, so it cannot be bound.
	sql := fmt.Sprintf(`
		SELECT id, job_id, text, mode, created_at,
			vector::similarity::cosine(embedding, $emb) AS score
		FROM summary
		WHERE embedding <|%d,40|> $emb %s
		ORDER BY score DESC
		LIMIT $k
	`, k, filterClause)

	results, err := surrealdb.Query[[]summaryRow](ctx, s.client.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("search summaries: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return []vector.Match{}, nil
	}

	rows := (*results)[0].Result
	matches := make([]vector.Match, 0, len(rows))
	for _, r := range rows {
		id, err := models.RecordIDString(r.ID)
		if err != nil {
			return nil, err
		}
		matches = append(matches, vector.Match{
			Document: vector.Document{ID: id, JobID: r.JobID, Text: r.Text, Mode: r.Mode, CreatedAt: r.CreatedAt},
			Score:    r.Score,
		})
	}
	return matches, nil
}

func (s *SummaryIndex) Remove(ctx context.Context, id string) error {
	_, err := surrealdb.Query[any](ctx, s.client.db, `DELETE type::record("summary", $id)`, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("remove summary %s: %w", id, wrapQueryError(err))
	}
	return nil
}
