package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
)

const ddl = `
CREATE TABLE IF NOT EXISTS collections (
    name       TEXT PRIMARY KEY,
    model      TEXT NOT NULL,
    dimension  INTEGER NOT NULL,
    metric     TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS chunks (
    row_id     INTEGER PRIMARY KEY AUTOINCREMENT,
    collection TEXT NOT NULL REFERENCES collections(name) ON DELETE CASCADE,
    chunk_id   TEXT NOT NULL,
    text       TEXT NOT NULL,
    source     TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (collection, chunk_id)
);

CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks (collection, source);
`

func vecTable(collection string) string {
	return "vec_" + collection
}

func initTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, ddl)
	return err
}

// createVecTable creates the vec0 table for collection. collection must
// already be validated with ValidCollectionName.
func createVecTable(ctx context.Context, db *sql.DB, collection string, dimension int) error {
	vec := fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(chunk_rowid INTEGER PRIMARY KEY, embedding float[%d] distance_metric=%s)",
		vecTable(collection), dimension, MetricCosine,
	)
	_, err := db.ExecContext(ctx, vec)
	return err
}

// registerCollection records the embedding model and dimension the
// collection was built with, or checks them against an existing row.
func registerCollection(ctx context.Context, db *sql.DB, name, model string, dimension int) error {
	var (
		storedModel string
		storedDim   int
	)
	err := db.QueryRowContext(ctx,
		"SELECT model, dimension FROM collections WHERE name = ?", name,
	).Scan(&storedModel, &storedDim)
	if err == sql.ErrNoRows {
		_, err = db.ExecContext(ctx,
			"INSERT INTO collections (name, model, dimension, metric) VALUES (?, ?, ?, ?)",
			name, model, dimension, MetricCosine,
		)
		return err
	}
	if err != nil {
		return err
	}
	if storedModel != model || storedDim != dimension {
		return fmt.Errorf("%w: collection %q was built with %s (%d dims), embedder is %s (%d dims)",
			ErrEmbeddingMismatch, name, storedModel, storedDim, model, dimension)
	}
	return nil
}
