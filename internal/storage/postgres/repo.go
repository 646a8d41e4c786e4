// Package postgres implements a Postgres run-report repository using pgx v5.
// The summary row is inserted with RETURNING to obtain the run id; chunk rows
// are bulk-loaded with CopyFrom.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"sensorbatch/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func init() {
	storage.Register("postgres", func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		return NewRepository(ctx, cfg)
	})
}

// Repository is a Postgres-backed implementation of storage.Repository.
type Repository struct {
	pool *pgxpool.Pool
	cfg  storage.Config
}

// NewRepository constructs a Repository backed by a pgx connection pool.
func NewRepository(ctx context.Context, cfg storage.Config) (*Repository, error) {
	if strings.TrimSpace(cfg.Table) == "" {
		return nil, fmt.Errorf("postgres: Table must not be empty")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	return &Repository{pool: pool, cfg: cfg}, nil
}

// EnsureSchema creates the run and chunk report tables if they do not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	runs := pgIdent(r.cfg.Table + "_runs")
	chunks := pgIdent(r.cfg.Table + "_chunks")

	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id           bigserial PRIMARY KEY,
			job          text        NOT NULL,
			input_path   text        NOT NULL,
			input_bytes  bigint      NOT NULL,
			records      bigint      NOT NULL,
			devices      bigint      NOT NULL,
			workers      integer     NOT NULL,
			dispatched   bigint      NOT NULL,
			returned     bigint      NOT NULL,
			lost         bigint      NOT NULL,
			started_at   timestamptz NOT NULL,
			duration_ms  bigint      NOT NULL
		)`, runs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			run_id      bigint  NOT NULL REFERENCES %s(id),
			worker      integer NOT NULL,
			seq         integer NOT NULL,
			lines_in    integer NOT NULL,
			bytes_in    bigint  NOT NULL,
			lines_out   integer NOT NULL,
			bytes_out   bigint  NOT NULL,
			digest      text    NOT NULL,
			ok          boolean NOT NULL,
			error       text    NOT NULL DEFAULT '',
			duration_ms bigint  NOT NULL
		)`, chunks, runs),
	}
	for _, stmt := range ddl {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return nil
}

// SaveRun inserts the summary row and its chunk rows in one transaction.
func (r *Repository) SaveRun(ctx context.Context, run storage.RunSummary, chunks []storage.ChunkRecord) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := fmt.Sprintf(`INSERT INTO %s
		(job, input_path, input_bytes, records, devices, workers,
		 dispatched, returned, lost, started_at, duration_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id`, pgIdent(r.cfg.Table+"_runs"))

	var runID int64
	err = tx.QueryRow(ctx, insert,
		run.Job, run.InputPath, run.InputBytes, run.Records, run.Devices,
		run.Workers, run.Dispatched, run.Returned, run.Lost,
		run.StartedAt, run.Duration.Milliseconds(),
	).Scan(&runID)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert run: %w", err)
	}

	if len(chunks) > 0 {
		rows := make([][]any, 0, len(chunks))
		for _, c := range chunks {
			rows = append(rows, []any{
				runID, c.Worker, c.Seq, c.LinesIn, c.BytesIn,
				c.LinesOut, c.BytesOut, fmt.Sprintf("%016x", c.Digest),
				c.OK, c.Error, c.Duration.Milliseconds(),
			})
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{r.cfg.Table + "_chunks"},
			[]string{"run_id", "worker", "seq", "lines_in", "bytes_in",
				"lines_out", "bytes_out", "digest", "ok", "error", "duration_ms"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return 0, fmt.Errorf("postgres: copy chunks: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit: %w", err)
	}
	return runID, nil
}

// Close releases the connection pool.
func (r *Repository) Close() { r.pool.Close() }

// pgIdent safely quotes a single identifier segment for Postgres.
func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }
