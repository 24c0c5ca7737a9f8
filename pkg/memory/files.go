package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// FileUpsert writes an opaque text blob keyed by path. ModeReplace
// overwrites any existing content; ModeAppend concatenates onto it with a
// separating blank line. An absent key always behaves as create, whatever
// the mode.
func (s *Store) FileUpsert(ctx context.Context, path, content string, mode FileMode) error {
	if mode == "" {
		mode = ModeReplace
	}
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidFileMode, mode)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_files (file_path, content, mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			content = CASE WHEN excluded.mode = 'append'
				THEN memory_files.content || char(10) || char(10) || excluded.content
				ELSE excluded.content END,
			mode = excluded.mode,
			updated_at = excluded.updated_at
	`, path, content, string(mode), now, now)
	if err != nil {
		return fmt.Errorf("upsert memory file %q: %w", path, err)
	}
	return nil
}

// FileGet retrieves a blob by path. Returns (nil, nil) when the path is
// unknown.
func (s *Store) FileGet(ctx context.Context, path string) (*MemoryFile, error) {
	var f MemoryFile
	err := s.db.QueryRowContext(ctx, `
		SELECT file_path, content, mode, created_at, updated_at
		FROM memory_files WHERE file_path = ?
	`, path).Scan(&f.FilePath, &f.Content, &f.Mode, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory file %q: %w", path, err)
	}
	return &f, nil
}
