// Package memory provides the persistent, cross-session knowledge store for
// the recall toolchain. Observations (decisions, bugfixes, patterns,
// discoveries) are kept in a single embedded SQLite file with a synchronized
// FTS5 index, a supersession chain for facts that change over time, and an
// online maintenance surface (archive, checkpoint, vacuum).
package memory

import "errors"

// ObservationType categorizes a knowledge record. Closed set; anything else
// is rejected at the API boundary.
type ObservationType string

const (
	TypeDecision  ObservationType = "decision"
	TypeBugfix    ObservationType = "bugfix"
	TypeFeature   ObservationType = "feature"
	TypePattern   ObservationType = "pattern"
	TypeDiscovery ObservationType = "discovery"
	TypeLearning  ObservationType = "learning"
	TypeWarning   ObservationType = "warning"
)

// Valid reports whether t is one of the known observation types.
func (t ObservationType) Valid() bool {
	switch t {
	case TypeDecision, TypeBugfix, TypeFeature, TypePattern, TypeDiscovery, TypeLearning, TypeWarning:
		return true
	}
	return false
}

// Confidence grades how certain the author was when recording an observation.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Valid reports whether c is one of the known confidence levels.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return true
	}
	return false
}

// FileMode controls how FileUpsert combines new content with existing content.
type FileMode string

const (
	ModeReplace FileMode = "replace"
	ModeAppend  FileMode = "append"
)

// Valid reports whether m is a known file mode.
func (m FileMode) Valid() bool {
	return m == ModeReplace || m == ModeAppend
}

// Validation errors returned by write paths. Read paths never return these;
// a missing id or path is a nil result, not an error.
var (
	ErrInvalidType       = errors.New("memory: invalid observation type")
	ErrInvalidConfidence = errors.New("memory: invalid confidence")
	ErrInvalidFileMode   = errors.New("memory: invalid file mode")
	ErrSupersedeTarget   = errors.New("memory: invalid supersede target")
)

// Observation is a single structured knowledge record.
//
// Supersedes/SupersededBy form a symmetric pair: if A.Supersedes = B then
// B.SupersededBy = A. A row with SupersededBy == nil is "active" and is the
// current truth for its topic; superseded rows stay retrievable by id but are
// excluded from search, timeline windows and MostRecent.
type Observation struct {
	ID            int64           `json:"id"`
	Type          ObservationType `json:"type"`
	Title         string          `json:"title"`
	Subtitle      string          `json:"subtitle,omitempty"`
	Facts         []string        `json:"facts,omitempty"`
	Narrative     string          `json:"narrative,omitempty"`
	Concepts      []string        `json:"concepts,omitempty"`
	FilesRead     []string        `json:"filesRead,omitempty"`
	FilesModified []string        `json:"filesModified,omitempty"`
	Confidence    Confidence      `json:"confidence"`
	BeadID        string          `json:"beadId,omitempty"`
	Supersedes    *int64          `json:"supersedes,omitempty"`
	SupersededBy  *int64          `json:"supersededBy,omitempty"`
	MarkdownFile  string          `json:"markdownFile,omitempty"`

	// CreatedAt is RFC3339 for humans; CreatedAtEpoch is Unix milliseconds
	// for range queries. Both describe the same instant.
	CreatedAt      string `json:"createdAt"`
	CreatedAtEpoch int64  `json:"createdAtEpoch"`
	UpdatedAt      string `json:"updatedAt,omitempty"`

	// ArchivedAt is set only on rows read back from the archive table.
	ArchivedAt string `json:"archivedAt,omitempty"`
}

// ObservationInput is the write-side shape accepted by StoreObservation.
// Type is mandatory. Confidence defaults to "high" when empty but an
// explicitly unknown value is rejected rather than coerced.
type ObservationInput struct {
	Type          string   `json:"type"`
	Title         string   `json:"title"`
	Subtitle      string   `json:"subtitle,omitempty"`
	Facts         []string `json:"facts,omitempty"`
	Narrative     string   `json:"narrative,omitempty"`
	Concepts      []string `json:"concepts,omitempty"`
	FilesRead     []string `json:"filesRead,omitempty"`
	FilesModified []string `json:"filesModified,omitempty"`
	Confidence    string   `json:"confidence,omitempty"`
	BeadID        string   `json:"beadId,omitempty"`
	Supersedes    int64    `json:"supersedes,omitempty"` // 0 = none
	MarkdownFile  string   `json:"markdownFile,omitempty"`
}

// CompactResult is the size-bounded search hit returned by Search. Callers
// fetch full records with GetByIDs only for ids they actually need.
type CompactResult struct {
	ID             int64           `json:"id"`
	Type           ObservationType `json:"type"`
	Title          string          `json:"title"`
	Snippet        string          `json:"snippet"`
	CreatedAt      string          `json:"createdAt"`
	RelevanceScore float64         `json:"relevanceScore"`
}

// Timeline is a chronological window around an anchor observation. Before is
// in ascending epoch order ending just before the anchor; After continues
// ascending after it. A missing anchor yields a zero Timeline, not an error.
type Timeline struct {
	Anchor *Observation   `json:"anchor"`
	Before []*Observation `json:"before"`
	After  []*Observation `json:"after"`
}

// MemoryFile is an opaque text blob keyed by path, independent of
// observations. Never implicitly deleted.
type MemoryFile struct {
	FilePath  string   `json:"filePath"`
	Content   string   `json:"content"`
	Mode      FileMode `json:"mode"`
	CreatedAt string   `json:"createdAt"`
	UpdatedAt string   `json:"updatedAt"`
}

// ActionQueueItem is an ephemeral status snapshot mirrored from an external
// task tracker. The whole set is replaced on every sync; items are never
// versioned or archived.
type ActionQueueItem struct {
	ID      string `json:"id"`
	Source  string `json:"source"`
	Status  string `json:"status"`
	Title   string `json:"title"`
	Owner   string `json:"owner,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// Stats summarizes active (non-superseded) observations by type.
type Stats struct {
	ByType map[ObservationType]int `json:"byType"`
	Total  int                     `json:"total"`
}

// SimilarResult pairs an observation id with its vector distance. Lower
// distance means more similar.
type SimilarResult struct {
	ID       int64   `json:"id"`
	Distance float64 `json:"distance"`
}
