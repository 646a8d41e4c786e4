package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"sensorbatch/internal/storage"
)

// openTestRepo uses a file-backed database; with a pooled database/sql an
// in-memory DSN would give each connection its own empty database.
func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(context.Background(), storage.Config{
		Kind:  "sqlite",
		DSN:   "file:" + filepath.Join(t.TempDir(), "runs.db"),
		Table: "sensorbatch",
	})
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	t.Cleanup(repo.Close)
	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return repo
}

func TestNewRepository_Validation(t *testing.T) {
	if _, err := NewRepository(context.Background(), storage.Config{Table: "t"}); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
	if _, err := NewRepository(context.Background(), storage.Config{DSN: ":memory:"}); err == nil {
		t.Fatalf("expected error for empty table")
	}
}

func TestSaveRun_RoundTrip(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	run := storage.RunSummary{
		Job:        "test-job",
		InputPath:  "data/devices.csv",
		InputBytes: 4096,
		Records:    100,
		Devices:    7,
		Workers:    4,
		Dispatched: 100,
		Returned:   98,
		Lost:       2,
		StartedAt:  time.Now(),
		Duration:   1200 * time.Millisecond,
	}
	chunks := []storage.ChunkRecord{
		{Worker: 0, Seq: 0, LinesIn: 60, BytesIn: 2400, LinesOut: 60, BytesOut: 900, Digest: 0xdeadbeef, OK: true, Duration: 300 * time.Millisecond},
		{Worker: 1, Seq: 0, LinesIn: 40, BytesIn: 1600, Error: "analyzer exit: exit status 1", Duration: 50 * time.Millisecond},
	}

	id, err := repo.SaveRun(ctx, run, chunks)
	if err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if id == 0 {
		t.Fatalf("run id = 0, want assigned id")
	}

	var (
		job  string
		lost int64
	)
	row := repo.db.QueryRowContext(ctx,
		"SELECT job, lost FROM sensorbatch_runs WHERE id = ?", id)
	if err := row.Scan(&job, &lost); err != nil {
		t.Fatalf("read back run: %v", err)
	}
	if job != "test-job" || lost != 2 {
		t.Fatalf("run row = (%q, %d)", job, lost)
	}

	var n, failed int
	row = repo.db.QueryRowContext(ctx,
		"SELECT COUNT(*), SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END) FROM sensorbatch_chunks WHERE run_id = ?", id)
	if err := row.Scan(&n, &failed); err != nil {
		t.Fatalf("read back chunks: %v", err)
	}
	if n != 2 || failed != 1 {
		t.Fatalf("chunk rows = %d (failed %d), want 2 and 1", n, failed)
	}

	var digest string
	row = repo.db.QueryRowContext(ctx,
		"SELECT digest FROM sensorbatch_chunks WHERE run_id = ? AND worker = 0", id)
	if err := row.Scan(&digest); err != nil {
		t.Fatalf("read back digest: %v", err)
	}
	if digest != "00000000deadbeef" {
		t.Fatalf("digest = %q", digest)
	}
}

func TestSaveRun_SequentialIDs(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	run := storage.RunSummary{Job: "j", StartedAt: time.Now()}
	first, err := repo.SaveRun(ctx, run, nil)
	if err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	second, err := repo.SaveRun(ctx, run, nil)
	if err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if second <= first {
		t.Fatalf("ids not increasing: %d then %d", first, second)
	}
}

func TestEnsureSchema_Idempotent(t *testing.T) {
	repo := openTestRepo(t)
	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("second EnsureSchema: %v", err)
	}
}
