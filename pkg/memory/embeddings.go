package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
)

// Embedding support is optional: the store never computes vectors itself,
// callers attach ones produced by whatever model they run. The vec0 virtual
// table (sqlite-vec) is created lazily on the first attach, sized to that
// vector's dimension; later vectors must match it.

// AttachEmbedding stores or replaces the caller-supplied vector for an
// existing observation.
func (s *Store) AttachEmbedding(ctx context.Context, id int64, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("memory: empty embedding for observation %d", id)
	}

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM observations WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return fmt.Errorf("memory: observation %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("resolve observation %d: %w", id, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin embedding attach: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS observation_embeddings USING vec0(embedding float[%d])`,
		len(vector)))
	if err != nil {
		return fmt.Errorf("create embedding table: %w", err)
	}

	// vec0 has no upsert; delete-then-insert keeps one vector per row.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM observation_embeddings WHERE rowid = ?`, id); err != nil {
		return fmt.Errorf("replace embedding: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO observation_embeddings (rowid, embedding) VALUES (?, ?)`,
		id, packVector(vector)); err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}

	return tx.Commit()
}

// RemoveEmbedding drops the vector for an observation. A no-op when no
// embedding table exists or the id has no vector.
func (s *Store) RemoveEmbedding(ctx context.Context, id int64) error {
	if !s.vecTableExists(ctx) {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM observation_embeddings WHERE rowid = ?`, id); err != nil {
		return fmt.Errorf("remove embedding: %w", err)
	}
	return nil
}

// Similar returns the ids of the observations whose vectors are nearest the
// given one, closest first. Returns an empty result when no embeddings have
// been attached yet.
func (s *Store) Similar(ctx context.Context, vector []float32, limit int) ([]SimilarResult, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if !s.vecTableExists(ctx) {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, distance FROM observation_embeddings
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, packVector(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("query similar embeddings: %w", err)
	}
	defer rows.Close()

	var results []SimilarResult
	for rows.Next() {
		var r SimilarResult
		if err := rows.Scan(&r.ID, &r.Distance); err != nil {
			return nil, fmt.Errorf("scan similarity row: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) vecTableExists(ctx context.Context) bool {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'observation_embeddings'`,
	).Scan(&n)
	return err == nil && n > 0
}

func (s *Store) vecTableExistsTx(ctx context.Context, tx *sql.Tx) bool {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'observation_embeddings'`,
	).Scan(&n)
	return err == nil && n > 0
}

// packVector serializes a float32 vector into the little-endian blob layout
// sqlite-vec expects.
func packVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
