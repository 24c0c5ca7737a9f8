package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"
)

// ArchiveOptions selects which rows Archive moves out of the primary table.
// Note the zero value means "older than now" with superseded rows left in
// place; use DefaultArchiveOptions for the standard policy.
type ArchiveOptions struct {
	// OlderThanDays sets the age cutoff; rows created before now minus this
	// many days are candidates. Zero means every row is older than the cutoff.
	OlderThanDays int
	// IncludeSuperseded additionally selects any superseded row regardless
	// of age.
	IncludeSuperseded bool
	// DryRun only counts candidates without moving anything.
	DryRun bool
}

// DefaultArchiveOptions is the standard archival policy: rows older than 90
// days plus all superseded rows.
func DefaultArchiveOptions() ArchiveOptions {
	return ArchiveOptions{OlderThanDays: 90, IncludeSuperseded: true}
}

// CheckpointResult reports a WAL checkpoint attempt.
type CheckpointResult struct {
	// Completed is false when a concurrent reader kept part of the log
	// pinned; rerunning later usually finishes the job.
	Completed          bool  `json:"completed"`
	LogFrames          int64 `json:"logFrames"`
	CheckpointedFrames int64 `json:"checkpointedFrames"`
}

// StoreSizes reports on-disk byte sizes of the primary file and its WAL and
// shared-memory companions.
type StoreSizes struct {
	DBBytes    int64 `json:"dbBytes"`
	WALBytes   int64 `json:"walBytes"`
	SHMBytes   int64 `json:"shmBytes"`
	TotalBytes int64 `json:"totalBytes"`
}

// StoreStatus is the admin-facing health snapshot.
type StoreStatus struct {
	SchemaVersion int    `json:"schemaVersion"`
	Observations  *Stats `json:"observations"`
	ArchivedCount int    `json:"archivedCount"`

	// FTSAvailable reflects the per-call index probe at the time Status ran.
	FTSAvailable bool       `json:"ftsAvailable"`
	Sizes        StoreSizes `json:"sizes"`
}

// StepResult captures one maintenance step's outcome inside a
// MaintenanceReport. Error is empty on success.
type StepResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// MaintenanceReport aggregates a FullMaintenance run. Every step is
// best-effort; a failed step is recorded here and never aborts the rest.
type MaintenanceReport struct {
	Steps      []StepResult     `json:"steps"`
	Archived   int64            `json:"archived"`
	Checkpoint CheckpointResult `json:"checkpoint"`
	SizeBefore StoreSizes       `json:"sizeBefore"`
	SizeAfter  StoreSizes       `json:"sizeAfter"`
	BytesFreed int64            `json:"bytesFreed"`
}

// Archive moves candidate rows (plus an archival stamp) into the append-only
// archive table and deletes them from the primary table, returning how many
// rows moved. The copy, the embedding cleanup and the delete run as one
// transaction, and the delete flows through the index-sync triggers, so a
// crash never leaves a half-archived state. Re-running with the same options
// archives 0 rows; an empty candidate set is not an error.
func (s *Store) Archive(ctx context.Context, opts ArchiveOptions) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -opts.OlderThanDays).UnixMilli()

	predicate := `created_at_epoch < ?`
	if opts.IncludeSuperseded {
		predicate = `(created_at_epoch < ? OR superseded_by IS NOT NULL)`
	}

	if opts.DryRun {
		var n int64
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM observations WHERE `+predicate, cutoff,
		).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("count archive candidates: %w", err)
		}
		return n, nil
	}

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin archive: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO archived_observations (id, type, title, subtitle, facts, narrative,
			concepts, files_read, files_modified, confidence, bead_id, supersedes,
			superseded_by, markdown_file, created_at, created_at_epoch, updated_at,
			archived_at, archived_at_epoch)
		SELECT id, type, title, subtitle, facts, narrative, concepts, files_read,
			files_modified, confidence, bead_id, supersedes, superseded_by,
			markdown_file, created_at, created_at_epoch, updated_at, ?, ?
		FROM observations WHERE `+predicate,
		now.Format(time.RFC3339), now.UnixMilli(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("copy rows to archive: %w", err)
	}

	// Embeddings travel out with their rows.
	if s.vecTableExistsTx(ctx, tx) {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM observation_embeddings
			WHERE rowid IN (SELECT id FROM observations WHERE `+predicate+`)`, cutoff)
		if err != nil {
			return 0, fmt.Errorf("drop archived embeddings: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM observations WHERE `+predicate, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete archived rows: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count archived rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit archive: %w", err)
	}
	return count, nil
}

// ArchivedByID retrieves an observation from the archive table, with
// ArchivedAt populated. Returns (nil, nil) when the id was never archived.
func (s *Store) ArchivedByID(ctx context.Context, id int64) (*Observation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+observationColumns+`, archived_at FROM archived_observations WHERE id = ?`, id)

	var archivedAt string
	obs, err := scanObservation(row, &archivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get archived observation %d: %w", id, err)
	}
	obs.ArchivedAt = archivedAt
	return obs, nil
}

// OptimizeIndex asks FTS5 to merge its internal b-trees. A no-op when the
// index backend is unavailable.
func (s *Store) OptimizeIndex(ctx context.Context) error {
	if !s.ftsAvailable(ctx) {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO observations_fts(observations_fts) VALUES ('optimize')`)
	if err != nil {
		return fmt.Errorf("optimize search index: %w", err)
	}
	return nil
}

// RebuildIndex repopulates the FTS index from the content table, repairing
// drift after a corruption. A no-op when the index backend is unavailable.
func (s *Store) RebuildIndex(ctx context.Context) error {
	if !s.ftsAvailable(ctx) {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO observations_fts(observations_fts) VALUES ('rebuild')`)
	if err != nil {
		return fmt.Errorf("rebuild search index: %w", err)
	}
	return nil
}

// CheckpointWAL flushes the write-ahead log into the primary store file,
// bounding log growth during long sessions.
func (s *Store) CheckpointWAL(ctx context.Context) (*CheckpointResult, error) {
	var busy, logFrames, checkpointed int64
	err := s.db.QueryRowContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`).
		Scan(&busy, &logFrames, &checkpointed)
	if err != nil {
		return nil, fmt.Errorf("wal checkpoint: %w", err)
	}
	return &CheckpointResult{
		Completed:          busy == 0,
		LogFrames:          logFrames,
		CheckpointedFrames: checkpointed,
	}, nil
}

// Vacuum reclaims and defragments primary storage. Expensive; intended for
// infrequent, explicit invocation. Runs on a dedicated connection acquired
// for the duration of the call.
func (s *Store) Vacuum(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire vacuum connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// Sizes reports the byte sizes of the store file and its WAL/shared-memory
// companions. Missing companion files count as zero.
func (s *Store) Sizes() (StoreSizes, error) {
	if s.path == ":memory:" {
		return StoreSizes{}, nil
	}

	var sizes StoreSizes
	for _, f := range []struct {
		path string
		dst  *int64
	}{
		{s.path, &sizes.DBBytes},
		{s.path + "-wal", &sizes.WALBytes},
		{s.path + "-shm", &sizes.SHMBytes},
	} {
		info, err := os.Stat(f.path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return StoreSizes{}, fmt.Errorf("stat %s: %w", f.path, err)
		}
		*f.dst = info.Size()
	}
	sizes.TotalBytes = sizes.DBBytes + sizes.WALBytes + sizes.SHMBytes
	return sizes, nil
}

// Status assembles the admin health snapshot.
func (s *Store) Status(ctx context.Context) (*StoreStatus, error) {
	stats, err := s.GetStats(ctx)
	if err != nil {
		return nil, err
	}

	var archived int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM archived_observations`).Scan(&archived); err != nil {
		return nil, fmt.Errorf("count archived observations: %w", err)
	}

	sizes, err := s.Sizes()
	if err != nil {
		return nil, err
	}

	return &StoreStatus{
		SchemaVersion: schemaVersion,
		Observations:  stats,
		ArchivedCount: archived,
		FTSAvailable:  s.ftsAvailable(ctx),
		Sizes:         sizes,
	}, nil
}

// FullMaintenance runs archive, index optimization, WAL checkpoint and
// vacuum in that order. Each step is independently best-effort: a failure is
// captured in the report and the remaining steps still run.
func (s *Store) FullMaintenance(ctx context.Context, opts ArchiveOptions) *MaintenanceReport {
	report := &MaintenanceReport{}
	report.SizeBefore, _ = s.Sizes()

	step := func(name string, err error) {
		r := StepResult{Name: name, OK: err == nil}
		if err != nil {
			r.Error = err.Error()
			s.log.Warn("maintenance step failed", "step", name, "err", err)
		}
		report.Steps = append(report.Steps, r)
	}

	archived, err := s.Archive(ctx, opts)
	report.Archived = archived
	step("archive", err)

	step("optimize_index", s.OptimizeIndex(ctx))

	cp, err := s.CheckpointWAL(ctx)
	if cp != nil {
		report.Checkpoint = *cp
	}
	step("checkpoint", err)

	step("vacuum", s.Vacuum(ctx))

	report.SizeAfter, _ = s.Sizes()
	if freed := report.SizeBefore.TotalBytes - report.SizeAfter.TotalBytes; freed > 0 {
		report.BytesFreed = freed
	}
	return report
}
