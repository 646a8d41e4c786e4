// Package sqlite implements a SQLite-backed run-report repository using
// database/sql. Chunk rows are inserted with a prepared statement inside the
// same transaction as the summary row; SQLite has no bulk-load API like
// Postgres COPY, but transactions keep performance acceptable for the row
// counts a single run produces.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"sensorbatch/internal/storage"

	_ "modernc.org/sqlite" // cgo-free driver; alternative: github.com/mattn/go-sqlite3
)

func init() {
	storage.Register("sqlite", func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		return NewRepository(ctx, cfg)
	})
}

// Repository is a SQLite-backed implementation of storage.Repository.
type Repository struct {
	db  *sql.DB
	cfg storage.Config
}

// NewRepository opens a SQLite connection using the provided DSN.
//
// DSN is passed directly to database/sql; for example:
//
//	"file:runs.db?cache=shared"
//	"runs.db"
//	":memory:"
func NewRepository(ctx context.Context, cfg storage.Config) (*Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	if strings.TrimSpace(cfg.Table) == "" {
		return nil, fmt.Errorf("sqlite: Table must not be empty")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	// Fail fast on invalid DSNs.
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	return &Repository{db: db, cfg: cfg}, nil
}

// EnsureSchema creates the run and chunk report tables if they do not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	runs := r.cfg.Table + "_runs"
	chunks := r.cfg.Table + "_chunks"

	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			job         TEXT    NOT NULL,
			input_path  TEXT    NOT NULL,
			input_bytes INTEGER NOT NULL,
			records     INTEGER NOT NULL,
			devices     INTEGER NOT NULL,
			workers     INTEGER NOT NULL,
			dispatched  INTEGER NOT NULL,
			returned    INTEGER NOT NULL,
			lost        INTEGER NOT NULL,
			started_at  TEXT    NOT NULL,
			duration_ms INTEGER NOT NULL
		)`, runs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			run_id      INTEGER NOT NULL REFERENCES %s(id),
			worker      INTEGER NOT NULL,
			seq         INTEGER NOT NULL,
			lines_in    INTEGER NOT NULL,
			bytes_in    INTEGER NOT NULL,
			lines_out   INTEGER NOT NULL,
			bytes_out   INTEGER NOT NULL,
			digest      TEXT    NOT NULL,
			ok          INTEGER NOT NULL,
			error       TEXT    NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL
		)`, chunks, runs),
	}
	for _, stmt := range ddl {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: ensure schema: %w", err)
		}
	}
	return nil
}

// SaveRun inserts the summary row and its chunk rows in one transaction.
func (r *Repository) SaveRun(ctx context.Context, run storage.RunSummary, chunks []storage.ChunkRecord) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin tx: %w", err)
	}

	insertRun := fmt.Sprintf(`INSERT INTO %s
		(job, input_path, input_bytes, records, devices, workers,
		 dispatched, returned, lost, started_at, duration_ms)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`, r.cfg.Table+"_runs")

	res, err := tx.ExecContext(ctx, insertRun,
		run.Job, run.InputPath, run.InputBytes, run.Records, run.Devices,
		run.Workers, run.Dispatched, run.Returned, run.Lost,
		run.StartedAt.UTC().Format(time.RFC3339Nano), run.Duration.Milliseconds(),
	)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("sqlite: insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("sqlite: run id: %w", err)
	}

	if len(chunks) > 0 {
		insertChunk := fmt.Sprintf(`INSERT INTO %s
			(run_id, worker, seq, lines_in, bytes_in, lines_out, bytes_out,
			 digest, ok, error, duration_ms)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`, r.cfg.Table+"_chunks")

		stmt, err := tx.PrepareContext(ctx, insertChunk)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("sqlite: prepare chunk insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range chunks {
			ok := 0
			if c.OK {
				ok = 1
			}
			_, err := stmt.ExecContext(ctx,
				runID, c.Worker, c.Seq, c.LinesIn, c.BytesIn,
				c.LinesOut, c.BytesOut, fmt.Sprintf("%016x", c.Digest),
				ok, c.Error, c.Duration.Milliseconds(),
			)
			if err != nil {
				_ = tx.Rollback()
				return 0, fmt.Errorf("sqlite: insert chunk: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return runID, nil
}

// Close releases the underlying database handle.
func (r *Repository) Close() { r.db.Close() }
