// Package vector indexes finished summaries for similarity search.
package vector

import (
	"context"
	"time"

	"github.com/raphaelgruber/recap/internal/models"
)

// Embedder turns text into a fixed-size vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Document is one indexed summary.
type Document struct {
	ID        string      `json:"id"`
	JobID     string      `json:"job_id"`
	Text      string      `json:"text"`
	Mode      models.Mode `json:"mode"`
	CreatedAt time.Time   `json:"created_at"`
}

// Match is a search hit. Higher scores are more similar.
type Match struct {
	Document
	Score float64 `json:"score"`
}

// Filter narrows a search. The zero value matches everything.
type Filter struct {
	Mode models.Mode
	// ExcludeJobID drops hits that belong to this job.
	ExcludeJobID string
}

// Index stores documents and answers similarity queries.
type Index interface {
	Index(ctx context.Context, doc Document) error
	SimilaritySearch(ctx context.Context, query string, k int, filter Filter) ([]Match, error)
	Remove(ctx context.Context, id string) error
}
