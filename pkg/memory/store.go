package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
)

// Store is the process-wide handle to the knowledge store. Construct one at
// process start with Open and pass it to all call sites; it is safe for
// concurrent use. The store spawns no background goroutines of its own.
//
// Persistence goes through ncruces/go-sqlite3/driver, which exposes embedded
// SQLite (FTS5 and WAL included) behind database/sql.
type Store struct {
	db   *sql.DB
	path string
	log  *slog.Logger
}

// Options tunes Open. The zero value is usable.
type Options struct {
	// Logger receives fallback activations and maintenance step failures.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// Open opens (creating if needed) the store file at path and ensures the
// schema is current. The parent directory is created when missing.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, Options{})
}

// OpenWithOptions opens the store with explicit options.
func OpenWithOptions(path string, opts Options) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	// Pragmas go through the DSN so they apply to every pooled connection,
	// not just the one that would run a PRAGMA statement. WAL keeps readers
	// unblocked while a writer is active; the writer only briefly locks at
	// commit, and busy_timeout covers that window.
	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{db: db, path: path, log: logger}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const observationColumns = `id, type, title, subtitle, facts, narrative, concepts,
	files_read, files_modified, confidence, bead_id, supersedes, superseded_by,
	markdown_file, created_at, created_at_epoch, updated_at`

// StoreObservation validates and inserts a new observation, returning its id.
// When input.Supersedes names an existing active observation, the insert and
// the target's superseded_by pointer update commit as one transaction: a
// crash can never leave the new row visible with the old pointer unset.
func (s *Store) StoreObservation(ctx context.Context, input ObservationInput) (int64, error) {
	typ := ObservationType(input.Type)
	if !typ.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidType, input.Type)
	}
	conf := ConfidenceHigh
	if input.Confidence != "" {
		conf = Confidence(input.Confidence)
		if !conf.Valid() {
			return 0, fmt.Errorf("%w: %q", ErrInvalidConfidence, input.Confidence)
		}
	}
	if strings.TrimSpace(input.Title) == "" {
		return 0, errors.New("memory: title is required")
	}

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin store transaction: %w", err)
	}
	defer tx.Rollback()

	if input.Supersedes > 0 {
		// Self-reference validated at write time; the engine does not
		// enforce it for us.
		var prior sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT superseded_by FROM observations WHERE id = ?`, input.Supersedes,
		).Scan(&prior)
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("%w: observation %d not found", ErrSupersedeTarget, input.Supersedes)
		}
		if err != nil {
			return 0, fmt.Errorf("resolve supersede target: %w", err)
		}
		if prior.Valid {
			return 0, fmt.Errorf("%w: observation %d already superseded by %d",
				ErrSupersedeTarget, input.Supersedes, prior.Int64)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO observations (type, title, subtitle, facts, narrative, concepts,
			files_read, files_modified, confidence, bead_id, supersedes, markdown_file,
			created_at, created_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(typ), input.Title, nullString(input.Subtitle),
		marshalStrings(input.Facts), nullString(input.Narrative), marshalStrings(input.Concepts),
		marshalStrings(input.FilesRead), marshalStrings(input.FilesModified),
		string(conf), nullString(input.BeadID), nullInt64(input.Supersedes),
		nullString(input.MarkdownFile), now.Format(time.RFC3339), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert observation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read new observation id: %w", err)
	}

	if input.Supersedes > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE observations SET superseded_by = ?, updated_at = ? WHERE id = ?
		`, id, now.Format(time.RFC3339), input.Supersedes)
		if err != nil {
			return 0, fmt.Errorf("set superseded_by pointer: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit observation: %w", err)
	}
	return id, nil
}

// GetByID retrieves a single observation. Returns (nil, nil) when the id is
// unknown.
func (s *Store) GetByID(ctx context.Context, id int64) (*Observation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+observationColumns+` FROM observations WHERE id = ?`, id)
	obs, err := scanObservation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get observation %d: %w", id, err)
	}
	return obs, nil
}

// GetByIDs retrieves observations for a batch of ids. Unknown ids are
// skipped. Result order follows the engine's natural row order for the set
// query, not the input order; callers that care should re-sort by id.
func (s *Store) GetByIDs(ctx context.Context, ids []int64) ([]*Observation, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+observationColumns+` FROM observations WHERE id IN (`+
			strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var result []*Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		result = append(result, obs)
	}
	return result, rows.Err()
}

// MostRecent returns the active observation with the greatest creation
// epoch, or (nil, nil) when there are no active rows.
func (s *Store) MostRecent(ctx context.Context) (*Observation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+observationColumns+` FROM observations
		WHERE superseded_by IS NULL
		ORDER BY created_at_epoch DESC, id DESC
		LIMIT 1`)
	obs, err := scanObservation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get most recent observation: %w", err)
	}
	return obs, nil
}

// GetStats counts active observations grouped by type.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, COUNT(*) FROM observations
		WHERE superseded_by IS NULL
		GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("count observations: %w", err)
	}
	defer rows.Close()

	stats := &Stats{ByType: make(map[ObservationType]int)}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats.ByType[ObservationType(typ)] = n
		stats.Total += n
	}
	return stats, rows.Err()
}

// scanObservation reads one observation from a row scanner. Extra
// destinations receive any columns selected after observationColumns.
func scanObservation(scanner interface{ Scan(...any) error }, extra ...any) (*Observation, error) {
	var obs Observation
	var subtitle, facts, narrative, concepts, filesRead, filesModified sql.NullString
	var beadID, markdownFile, updatedAt sql.NullString
	var supersedes, supersededBy sql.NullInt64

	dests := []any{
		&obs.ID, &obs.Type, &obs.Title, &subtitle, &facts, &narrative, &concepts,
		&filesRead, &filesModified, &obs.Confidence, &beadID, &supersedes,
		&supersededBy, &markdownFile, &obs.CreatedAt, &obs.CreatedAtEpoch, &updatedAt,
	}
	dests = append(dests, extra...)
	if err := scanner.Scan(dests...); err != nil {
		return nil, err
	}

	obs.Subtitle = subtitle.String
	obs.Narrative = narrative.String
	obs.BeadID = beadID.String
	obs.MarkdownFile = markdownFile.String
	obs.UpdatedAt = updatedAt.String
	obs.Facts = unmarshalStrings(facts)
	obs.Concepts = unmarshalStrings(concepts)
	obs.FilesRead = unmarshalStrings(filesRead)
	obs.FilesModified = unmarshalStrings(filesModified)
	if supersedes.Valid {
		obs.Supersedes = &supersedes.Int64
	}
	if supersededBy.Valid {
		obs.SupersededBy = &supersededBy.Int64
	}
	return &obs, nil
}

// marshalStrings serializes an ordered string list to JSON, preserving the
// given order. Empty lists store as NULL.
func marshalStrings(values []string) any {
	if len(values) == 0 {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return string(data)
}

func unmarshalStrings(col sql.NullString) []string {
	if !col.Valid || col.String == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(col.String), &values); err != nil {
		return nil
	}
	return values
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
