package vectorstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

type SQLiteOptions struct {
	Path       string
	Collection string
	Model      string
	Dimensions int
}

// SQLiteStore implements Store on a SQLite file with the sqlite-vec extension.
type SQLiteStore struct {
	mu         sync.RWMutex
	db         *sql.DB
	collection string
	vecTable   string
	dimension  int
}

// OpenSQLite opens (creating if needed) the database file and the collection.
// Any failure to reach a usable database is reported as ErrStoreUnavailable;
// a collection built with another embedding model is ErrEmbeddingMismatch.
func OpenSQLite(ctx context.Context, opts SQLiteOptions) (*SQLiteStore, error) {
	if !ValidCollectionName(opts.Collection) {
		return nil, fmt.Errorf("%w: invalid collection name %q", ErrStoreUnavailable, opts.Collection)
	}
	if opts.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: invalid dimension %d", ErrStoreUnavailable, opts.Dimensions)
	}
	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create dir %s: %v", ErrStoreUnavailable, dir, err)
		}
	}

	db, err := sql.Open("sqlite3", opts.Path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStoreUnavailable, opts.Path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrStoreUnavailable, opts.Path, err)
	}
	if err := initTables(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init schema: %v", ErrStoreUnavailable, err)
	}
	if err := registerCollection(ctx, db, opts.Collection, opts.Model, opts.Dimensions); err != nil {
		db.Close()
		if errors.Is(err, ErrEmbeddingMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: register collection: %v", ErrStoreUnavailable, err)
	}
	if err := createVecTable(ctx, db, opts.Collection, opts.Dimensions); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create vec table: %v", ErrStoreUnavailable, err)
	}

	return &SQLiteStore{
		db:         db,
		collection: opts.Collection,
		vecTable:   vecTable(opts.Collection),
		dimension:  opts.Dimensions,
	}, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := validateRecords(s.dimension, records); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert failed: %w", err)
	}
	defer tx.Rollback()

	insertVec := fmt.Sprintf("INSERT INTO %s (chunk_rowid, embedding) VALUES (?, ?)", s.vecTable)
	deleteVec := fmt.Sprintf("DELETE FROM %s WHERE chunk_rowid = ?", s.vecTable)

	for _, r := range records {
		blob, err := sqlite_vec.SerializeFloat32(r.Embedding)
		if err != nil {
			return fmt.Errorf("serialize embedding for %s failed: %w", r.ID, err)
		}

		var rowID int64
		err = tx.QueryRowContext(ctx,
			"SELECT row_id FROM chunks WHERE collection = ? AND chunk_id = ?", s.collection, r.ID,
		).Scan(&rowID)
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx,
				"UPDATE chunks SET text = ?, source = ? WHERE row_id = ?", r.Text, r.Source, rowID,
			); err != nil {
				return fmt.Errorf("update chunk %s failed: %w", r.ID, err)
			}
			if _, err := tx.ExecContext(ctx, deleteVec, rowID); err != nil {
				return fmt.Errorf("replace embedding %s failed: %w", r.ID, err)
			}
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx,
				"INSERT INTO chunks (collection, chunk_id, text, source) VALUES (?, ?, ?, ?)",
				s.collection, r.ID, r.Text, r.Source,
			)
			if err != nil {
				return fmt.Errorf("insert chunk %s failed: %w", r.ID, err)
			}
			if rowID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("insert chunk %s failed: %w", r.ID, err)
			}
		default:
			return fmt.Errorf("lookup chunk %s failed: %w", r.ID, err)
		}

		if _, err := tx.ExecContext(ctx, insertVec, rowID, blob); err != nil {
			return fmt.Errorf("insert embedding %s failed: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, embedding []float32, topK int) ([]Result, error) {
	if topK <= 0 {
		return nil, nil
	}
	if err := checkQueryDimension(s.dimension, embedding); err != nil {
		return nil, err
	}
	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return nil, fmt.Errorf("serialize query embedding failed: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// vec0 needs the k constraint on the virtual table itself, so the KNN
	// runs in a CTE before joining the chunk text.
	query := fmt.Sprintf(`
		WITH knn AS (
			SELECT chunk_rowid, distance FROM %s
			WHERE embedding MATCH ? AND k = ?
		)
		SELECT c.chunk_id, c.text, c.source, knn.distance
		FROM knn
		JOIN chunks c ON c.row_id = knn.chunk_rowid
		ORDER BY knn.distance, c.row_id`, s.vecTable)

	rows, err := s.db.QueryContext(ctx, query, blob, topK)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0, topK)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Text, &r.Source, &r.Distance); err != nil {
			return nil, fmt.Errorf("scan query row failed: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *SQLiteStore) ListBySource(ctx context.Context, source string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT chunk_id FROM chunks WHERE collection = ? AND source = ? ORDER BY row_id",
		s.collection, source,
	)
	if err != nil {
		return nil, fmt.Errorf("list chunks failed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chunk id failed: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete failed: %w", err)
	}
	defer tx.Rollback()

	deleteVec := fmt.Sprintf("DELETE FROM %s WHERE chunk_rowid = ?", s.vecTable)
	for _, id := range ids {
		var rowID int64
		err := tx.QueryRowContext(ctx,
			"SELECT row_id FROM chunks WHERE collection = ? AND chunk_id = ?", s.collection, id,
		).Scan(&rowID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("lookup chunk %s failed: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, deleteVec, rowID); err != nil {
			return fmt.Errorf("delete embedding %s failed: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE row_id = ?", rowID); err != nil {
			return fmt.Errorf("delete chunk %s failed: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Exists(ctx context.Context, source string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM chunks WHERE collection = ? AND source = ?)",
		s.collection, source,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists query failed: %w", err)
	}
	return exists, nil
}

func (s *SQLiteStore) Sources(ctx context.Context) ([]SourceStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT source, COUNT(*) FROM chunks WHERE collection = ? GROUP BY source ORDER BY source",
		s.collection,
	)
	if err != nil {
		return nil, fmt.Errorf("list sources failed: %w", err)
	}
	defer rows.Close()

	var stats []SourceStat
	for rows.Next() {
		var st SourceStat
		if err := rows.Scan(&st.Source, &st.ChunkCount); err != nil {
			return nil, fmt.Errorf("scan source failed: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunks WHERE collection = ?", s.collection,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks failed: %w", err)
	}
	return n, nil
}

// Compact reclaims the space left behind by deleted chunks.
func (s *SQLiteStore) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
