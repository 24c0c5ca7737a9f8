package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/coregx/ahocorasick"
	"github.com/orsinium-labs/stopwords"
)

// englishStopwords filters noise tokens out of queries before they reach the
// index. Loaded once; lookups are O(1).
var englishStopwords = stopwords.MustGet("en")

// SearchOptions narrows a Search call. The zero value means no type filter
// and the default limit of 10.
type SearchOptions struct {
	Type  ObservationType
	Limit int
}

const (
	defaultSearchLimit = 10
	snippetLimit       = 100
)

// Search runs a ranked full-text query over active observations and returns
// compact results (title plus a short narrative snippet); fetch full rows
// with GetByIDs for the ids that matter.
//
// Query tokens become a prefix-match disjunction against the FTS5 index,
// ordered by BM25 (lower score = more relevant). An empty query skips
// ranking and returns the most recently created active rows.
// When the index is missing or errors, Search degrades to a case-insensitive
// substring scan and never surfaces the index failure to the caller.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]CompactResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	tokens := tokenizeQuery(query)
	if len(tokens) == 0 {
		return s.recentActive(ctx, opts.Type, limit)
	}

	// Availability is probed on every call so a repair (e.g. RebuildIndex)
	// restores full-text search without a process restart.
	if s.ftsAvailable(ctx) {
		results, err := s.searchFTS(ctx, tokens, opts.Type, limit)
		if err == nil {
			return results, nil
		}
		s.log.Warn("full-text query failed, using substring fallback", "err", err)
	}

	return s.searchSubstring(ctx, tokens, opts.Type, limit)
}

// ftsAvailable is a cheap existence check for the index backend. Never
// cached: the two-state condition can flip either way at runtime.
func (s *Store) ftsAvailable(ctx context.Context) bool {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'observations_fts'`,
	).Scan(&n)
	return err == nil && n > 0
}

func (s *Store) searchFTS(ctx context.Context, tokens []string, typ ObservationType, limit int) ([]CompactResult, error) {
	match := buildMatchExpr(tokens)

	query := `
		SELECT o.id, o.type, o.title, o.narrative, o.created_at, bm25(observations_fts) AS score
		FROM observations_fts
		JOIN observations o ON o.id = observations_fts.rowid
		WHERE observations_fts MATCH ?
		  AND o.superseded_by IS NULL`
	args := []any{match}
	if typ != "" {
		query += ` AND o.type = ?`
		args = append(args, string(typ))
	}
	query += ` ORDER BY score LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]CompactResult, 0, limit)
	for rows.Next() {
		var r CompactResult
		var narrative sql.NullString
		if err := rows.Scan(&r.ID, &r.Type, &r.Title, &narrative, &r.CreatedAt, &r.RelevanceScore); err != nil {
			return nil, err
		}
		r.Snippet = snippet(narrative.String)
		results = append(results, r)
	}
	return results, rows.Err()
}

// searchSubstring is the degraded path: a case-insensitive substring match
// over title, narrative and concepts of active rows, newest first,
// relevance fixed at 0. Token matching uses an Aho-Corasick automaton so a
// multi-token query still costs one scan per row.
func (s *Store) searchSubstring(ctx context.Context, tokens []string, typ ObservationType, limit int) ([]CompactResult, error) {
	patterns := make([]string, len(tokens))
	for i, tok := range tokens {
		patterns[i] = strings.ToLower(tok)
	}
	automaton, err := ahocorasick.NewBuilder().
		AddStrings(patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build fallback matcher: %w", err)
	}

	query := `
		SELECT id, type, title, narrative, concepts, created_at FROM observations
		WHERE superseded_by IS NULL`
	args := []any{}
	if typ != "" {
		query += ` AND type = ?`
		args = append(args, string(typ))
	}
	query += ` ORDER BY created_at_epoch DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan active observations: %w", err)
	}
	defer rows.Close()

	results := make([]CompactResult, 0, limit)
	for rows.Next() {
		var r CompactResult
		var narrative, concepts sql.NullString
		if err := rows.Scan(&r.ID, &r.Type, &r.Title, &narrative, &concepts, &r.CreatedAt); err != nil {
			return nil, err
		}

		haystack := strings.ToLower(r.Title + "\n" + narrative.String + "\n" + concepts.String)
		if len(automaton.FindAllOverlapping([]byte(haystack))) == 0 {
			continue
		}

		r.Snippet = snippet(narrative.String)
		results = append(results, r)
		if len(results) >= limit {
			break
		}
	}
	return results, rows.Err()
}

// recentActive is the empty-query path: newest active rows first, no
// ranking involved.
func (s *Store) recentActive(ctx context.Context, typ ObservationType, limit int) ([]CompactResult, error) {
	query := `
		SELECT id, type, title, narrative, created_at FROM observations
		WHERE superseded_by IS NULL`
	args := []any{}
	if typ != "" {
		query += ` AND type = ?`
		args = append(args, string(typ))
	}
	query += ` ORDER BY created_at_epoch DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent observations: %w", err)
	}
	defer rows.Close()

	results := make([]CompactResult, 0, limit)
	for rows.Next() {
		var r CompactResult
		var narrative sql.NullString
		if err := rows.Scan(&r.ID, &r.Type, &r.Title, &narrative, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Snippet = snippet(narrative.String)
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetTimeline resolves a chronological window around an anchor observation.
// A missing anchor yields an empty Timeline without error. The before/after
// windows hold active rows only, in ascending epoch order; negative depths
// use the default of 5.
func (s *Store) GetTimeline(ctx context.Context, anchorID int64, depthBefore, depthAfter int) (*Timeline, error) {
	if depthBefore < 0 {
		depthBefore = 5
	}
	if depthAfter < 0 {
		depthAfter = 5
	}

	anchor, err := s.GetByID(ctx, anchorID)
	if err != nil {
		return nil, err
	}
	tl := &Timeline{Anchor: anchor}
	if anchor == nil {
		return tl, nil
	}

	if depthBefore > 0 {
		// Fetched newest-first so LIMIT takes the rows nearest the anchor,
		// then reversed into ascending order.
		rows, err := s.windowRows(ctx, `
			SELECT `+observationColumns+` FROM observations
			WHERE superseded_by IS NULL AND created_at_epoch < ?
			ORDER BY created_at_epoch DESC, id DESC LIMIT ?`,
			anchor.CreatedAtEpoch, depthBefore)
		if err != nil {
			return nil, err
		}
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
		tl.Before = rows
	}

	if depthAfter > 0 {
		rows, err := s.windowRows(ctx, `
			SELECT `+observationColumns+` FROM observations
			WHERE superseded_by IS NULL AND created_at_epoch > ?
			ORDER BY created_at_epoch ASC, id ASC LIMIT ?`,
			anchor.CreatedAtEpoch, depthAfter)
		if err != nil {
			return nil, err
		}
		tl.After = rows
	}

	return tl, nil
}

func (s *Store) windowRows(ctx context.Context, query string, args ...any) ([]*Observation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query timeline window: %w", err)
	}
	defer rows.Close()

	var result []*Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan timeline row: %w", err)
		}
		result = append(result, obs)
	}
	return result, rows.Err()
}

// tokenizeQuery splits on whitespace and drops stop words. Filtering only
// ever narrows a query: when every token is a stop word the unfiltered
// tokens are kept, so short queries like "auth" still reach the index.
// Only a genuinely empty query returns an empty slice, routing the call to
// the recency path.
func tokenizeQuery(query string) []string {
	fields := strings.Fields(query)
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if englishStopwords.Contains(strings.ToLower(f)) {
			continue
		}
		tokens = append(tokens, f)
	}
	if len(tokens) == 0 {
		return fields
	}
	return tokens
}

// buildMatchExpr turns tokens into an FTS5 prefix-match disjunction:
// "auth"* OR "timeout"*. Quoting keeps tokens from being parsed as FTS
// operators; embedded quotes are doubled per SQL rules.
func buildMatchExpr(tokens []string) string {
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		parts[i] = `"` + strings.ReplaceAll(tok, `"`, `""`) + `"*`
	}
	return strings.Join(parts, " OR ")
}

// snippet truncates a narrative to the compact-result budget without
// splitting a rune.
func snippet(narrative string) string {
	if len(narrative) <= snippetLimit {
		return narrative
	}
	runes := []rune(narrative)
	if len(runes) <= snippetLimit {
		return narrative
	}
	return string(runes[:snippetLimit])
}

