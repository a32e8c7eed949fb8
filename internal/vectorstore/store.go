package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
)

var (
	ErrStoreUnavailable  = errors.New("vector store unavailable")
	ErrInvalidRecord     = errors.New("invalid vector record")
	ErrEmbeddingMismatch = errors.New("embedding model mismatch")
)

// MetricCosine is the only distance metric a collection is created with.
// Distances are 1 - cos(a, b), so 0 is identical and 2 is opposite.
const MetricCosine = "cosine"

var collectionNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Record is one chunk of a document together with its embedding.
type Record struct {
	ID        string
	Text      string
	Source    string
	Embedding []float32
}

// Result is a single nearest-neighbour match.
type Result struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	Source   string  `json:"source"`
	Distance float64 `json:"distance"`
}

type SourceStat struct {
	Source     string `json:"source"`
	ChunkCount int    `json:"chunk_count"`
}

// Store persists chunk embeddings for a single collection.
type Store interface {
	// Upsert writes all records in one transaction. Existing IDs are overwritten.
	Upsert(ctx context.Context, records ...Record) error
	// Query returns at most topK results ordered by ascending distance.
	Query(ctx context.Context, embedding []float32, topK int) ([]Result, error)
	ListBySource(ctx context.Context, source string) ([]string, error)
	// Delete removes the given IDs in one transaction. Unknown IDs are ignored.
	Delete(ctx context.Context, ids []string) error
	Exists(ctx context.Context, source string) (bool, error)
	Sources(ctx context.Context) ([]SourceStat, error)
	Count(ctx context.Context) (int, error)
	Compact(ctx context.Context) error
	Close() error
}

// ValidCollectionName reports whether name can be used as a collection
// (and therefore as part of a table name).
func ValidCollectionName(name string) bool {
	return collectionNamePattern.MatchString(name)
}

func validateRecords(dimension int, records []Record) error {
	for i, r := range records {
		if r.ID == "" {
			return fmt.Errorf("%w: record %d has empty id", ErrInvalidRecord, i)
		}
		if r.Text == "" {
			return fmt.Errorf("%w: record %s has empty text", ErrInvalidRecord, r.ID)
		}
		if r.Source == "" {
			return fmt.Errorf("%w: record %s has empty source", ErrInvalidRecord, r.ID)
		}
		if len(r.Embedding) != dimension {
			return fmt.Errorf("%w: record %s has %d dimensions, want %d", ErrInvalidRecord, r.ID, len(r.Embedding), dimension)
		}
		for _, v := range r.Embedding {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return fmt.Errorf("%w: record %s has a non-finite component", ErrInvalidRecord, r.ID)
			}
		}
	}
	return nil
}

func checkQueryDimension(dimension int, embedding []float32) error {
	if len(embedding) != dimension {
		return fmt.Errorf("%w: query has %d dimensions, collection has %d", ErrEmbeddingMismatch, len(embedding), dimension)
	}
	return nil
}

// CosineDistance returns 1 - cos(a, b). A zero vector is treated as
// orthogonal to everything.
func CosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
