// Package main wires the partition-and-dispatch run end-to-end. This file
// keeps the CLI layer thin: it depends only on the internal package APIs and
// never imports database drivers or backend-specific packages directly.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"sensorbatch/internal/config"
	"sensorbatch/internal/devtable"
	"sensorbatch/internal/dispatch"
	"sensorbatch/internal/lineindex"
	"sensorbatch/internal/metrics"
	"sensorbatch/internal/mmapfile"
	"sensorbatch/internal/partition"
	"sensorbatch/internal/storage"
	"sensorbatch/internal/workqueue"
)

const previewLines = 10

// runtimeConfig contains the resolved concurrency and batching configuration
// for a run. Values are derived from the job spec with optional environment
// variable overrides (12-factor style).
type runtimeConfig struct {
	workers      int
	indexThreads int
	batchLines   int
}

// Function variables used to introduce test seams.
// In production these point to real implementations; tests can override them.
var (
	newRepositoryFn = func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		return storage.New(ctx, cfg)
	}

	openInputFn = mmapfile.Open
)

// run executes a full map → index → group → partition → dispatch run.
//
// Stats reported:
//
//   - records:    data lines found by the line index (header excluded)
//   - devices:    distinct device identifiers
//   - dispatched: records handed to analyzer processes
//   - returned:   records in outputs of successfully exchanged chunks
//   - lost:       records of chunks whose exchange failed
func run(ctx context.Context, spec config.Pipeline, verbose bool) error {
	rt := newRuntimeConfig(spec)
	startedAt := time.Now()

	log.Printf("runtime: workers=%d index_threads=%d batch_lines=%d",
		rt.workers, rt.indexThreads, rt.batchLines)

	// 1) Map the input file.
	var f *mmapfile.File
	err := timed(spec.Job, "map", func() error {
		var err error
		f, err = openInputFn(spec.Input.Path)
		return err
	})
	if err != nil {
		return fmt.Errorf("map input: %w", err)
	}
	defer f.Close()
	data := f.Bytes()

	delim := byte(spec.Input.Options.Rune("delimiter", '|'))
	hasHeader := spec.Input.Options.Bool("has_header", true)

	// 2) Index line boundaries in parallel.
	threads := lineindex.Threads(f.Len(), rt.indexThreads)
	var idx *lineindex.Index
	err = timed(spec.Job, "index", func() error {
		idx = lineindex.Build(data, threads)
		return nil
	})
	if err != nil {
		return err
	}

	firstData := 0
	var header []byte
	if hasHeader {
		if idx.Count() == 0 {
			return fmt.Errorf("input %s has no lines", spec.Input.Path)
		}
		header = idx.Line(0)
		firstData = 1
	}
	records := idx.Count() - firstData
	log.Printf("index: threads=%d lines=%s size=%s",
		threads, humanize.Comma(int64(records)), humanize.Bytes(uint64(f.Len())))
	metrics.RecordRows(spec.Job, "indexed", int64(records))

	// Resolve the device column, by name against the header when configured.
	column := spec.Input.DeviceColumn
	if spec.Input.DeviceColumnName != "" {
		column, err = devtable.FindColumn(header, spec.Input.DeviceColumnName, delim)
		if err != nil {
			return fmt.Errorf("resolve device column %q: %w", spec.Input.DeviceColumnName, err)
		}
		if verbose {
			log.Printf("device column %q resolved to index %d", spec.Input.DeviceColumnName, column)
		}
	}

	// 3) Group records by device.
	table := devtable.New(records, column, delim)
	err = timed(spec.Job, "group", func() error {
		return buildTable(table, data, idx, firstData, threads)
	})
	if err != nil {
		return fmt.Errorf("group by device: %w", err)
	}
	log.Printf("group: devices=%d records=%d", table.DeviceCount(), table.RecordCount())

	// 4) Partition devices across worker slots and materialize payloads.
	var chunks []partition.Chunk
	err = timed(spec.Job, "partition", func() error {
		plan, err := partition.Plan(table, rt.workers)
		if err != nil {
			return err
		}
		if verbose {
			for _, a := range plan {
				log.Printf("slot %d: devices=%d lines=%d", a.Worker, len(a.Devices), a.Lines)
			}
		}
		chunks = partition.Materialize(data, table, plan, partition.Options{BatchLines: rt.batchLines})
		return nil
	})
	if err != nil {
		return fmt.Errorf("partition: %w", err)
	}

	// 5) Queue chunks and dispatch them to analyzer processes.
	q := workqueue.New()
	var dispatched int64
	for i := range chunks {
		c := &chunks[i]
		if c.Lines == 0 {
			continue
		}
		q.Enqueue(&workqueue.Item{
			Header:  header,
			Payload: c.Payload,
			Worker:  c.Worker,
			Lines:   c.Lines,
			Digest:  c.Digest,
		})
		dispatched += int64(c.Lines)
	}
	metrics.RecordRows(spec.Job, "dispatched", dispatched)

	pool := dispatch.New(dispatch.Config{
		Workers:       rt.workers,
		Command:       spec.Analyzer.Command,
		Args:          spec.Analyzer.Args,
		SocketFlag:    spec.Analyzer.Options.String("socket_flag", "--socket"),
		SocketDir:     spec.Analyzer.Options.String("socket_dir", ""),
		ReceiveBuffer: spec.Analyzer.Options.Int("receive_buffer", 0),
		Timeout:       time.Duration(spec.Analyzer.Options.Int("timeout_seconds", 0)) * time.Second,
		Job:           spec.Job,
	})

	var (
		results  []dispatch.WorkerResult
		statuses []dispatch.ChunkStatus
	)
	err = timed(spec.Job, "dispatch", func() error {
		var err error
		results, statuses, err = pool.Run(ctx, q)
		return err
	})
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	// 6) Account, preview, and summarize.
	var returned, lost, okChunks, failedChunks int64
	for _, st := range statuses {
		if st.OK() {
			okChunks++
			returned += int64(st.LinesOut)
			continue
		}
		failedChunks++
		lost += int64(st.LinesIn)
		log.Printf("chunk failed: worker=%d seq=%d lines=%d err=%v",
			st.Worker, st.Seq, st.LinesIn, st.Err)
	}
	metrics.RecordRows(spec.Job, "returned", returned)
	metrics.RecordRows(spec.Job, "lost", lost)
	metrics.RecordChunks(spec.Job, "ok", okChunks)
	metrics.RecordChunks(spec.Job, "failed", failedChunks)

	for _, res := range results {
		if len(res.Output) == 0 {
			continue
		}
		logPreview(res)
	}

	log.Printf(
		"summary: records=%d devices=%d dispatched=%d returned=%d lost=%d chunks_ok=%d chunks_failed=%d",
		records, table.DeviceCount(), dispatched, returned, lost, okChunks, failedChunks,
	)

	if err := saveRun(ctx, spec, storage.RunSummary{
		Job:        spec.Job,
		InputPath:  spec.Input.Path,
		InputBytes: int64(f.Len()),
		Records:    int64(records),
		Devices:    int64(table.DeviceCount()),
		Workers:    rt.workers,
		Dispatched: dispatched,
		Returned:   returned,
		Lost:       lost,
		StartedAt:  startedAt,
		Duration:   time.Since(startedAt),
	}, statuses); err != nil {
		// Persistence failure does not invalidate the analysis that already ran.
		log.Printf("run report: %v", err)
	}

	if failedChunks > 0 {
		return fmt.Errorf("%d of %d chunks failed; %d records lost",
			failedChunks, okChunks+failedChunks, lost)
	}
	return nil
}

// buildTable feeds every data line into the device table, striping the index
// across goroutines. The table serializes inserts internally.
func buildTable(t *devtable.Table, data []byte, idx *lineindex.Index, first, threads int) error {
	n := idx.Count()
	if first >= n {
		return nil
	}
	if threads < 1 {
		threads = 1
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	stripe := (n - first + threads - 1) / threads
	for w := 0; w < threads; w++ {
		lo := first + w*stripe
		hi := lo + stripe
		if lo >= n {
			break
		}
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				start, end := idx.Range(i)
				if start == end {
					continue // blank line
				}
				if err := t.AddLine(data, devtable.Range{Start: start, End: end}); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("line %d: %w", i+1, err)
					}
					mu.Unlock()
					return
				}
			}
		}(lo, hi)
	}
	wg.Wait()
	return firstErr
}

// logPreview prints the first few lines of one worker's aggregated output.
func logPreview(res dispatch.WorkerResult) {
	log.Printf("worker %d output: %s, %d lines (showing first %d)",
		res.Worker, humanize.Bytes(uint64(len(res.Output))), res.Lines, previewLines)

	rest := res.Output
	for i := 0; i < previewLines && len(rest) > 0; i++ {
		line := rest
		if j := bytes.IndexByte(rest, '\n'); j >= 0 {
			line = rest[:j]
			rest = rest[j+1:]
		} else {
			rest = nil
		}
		log.Printf("  %s", line)
	}
}

// saveRun persists the run report when a storage backend is configured.
func saveRun(ctx context.Context, spec config.Pipeline, run storage.RunSummary, statuses []dispatch.ChunkStatus) error {
	if spec.Storage.Kind == "" {
		return nil
	}

	repo, err := newRepositoryFn(ctx, storage.Config{
		Kind:            spec.Storage.Kind,
		DSN:             spec.Storage.DB.DSN,
		Table:           spec.Storage.DB.Table,
		AutoCreateTable: spec.Storage.DB.AutoCreateTable,
	})
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	defer repo.Close()

	if spec.Storage.DB.AutoCreateTable {
		if err := repo.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	chunks := make([]storage.ChunkRecord, 0, len(statuses))
	for _, st := range statuses {
		rec := storage.ChunkRecord{
			Worker:   st.Worker,
			Seq:      st.Seq,
			LinesIn:  st.LinesIn,
			BytesIn:  st.BytesIn,
			LinesOut: st.LinesOut,
			BytesOut: st.BytesOut,
			Digest:   st.Digest,
			OK:       st.OK(),
			Duration: st.Duration,
		}
		if st.Err != nil {
			rec.Error = st.Err.Error()
		}
		chunks = append(chunks, rec)
	}

	id, err := repo.SaveRun(ctx, run, chunks)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	log.Printf("run report: kind=%s id=%d chunks=%d", spec.Storage.Kind, id, len(chunks))
	return nil
}

// timed runs fn, logs its duration under the given stage name, and records a
// step metric.
func timed(job, stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	d := time.Since(start)
	metrics.RecordStep(job, stage, err, d)
	log.Printf("stage %s: %s", stage, d.Truncate(time.Microsecond))
	return err
}

// newRuntimeConfig resolves the runtime configuration for a run using the job
// spec and environment-variable fallbacks.
func newRuntimeConfig(spec config.Pipeline) runtimeConfig {
	return runtimeConfig{
		workers:      pickInt(spec.Runtime.Workers, getenvInt("SENSORBATCH_WORKERS", runtime.NumCPU())),
		indexThreads: pickInt(spec.Runtime.IndexThreads, getenvInt("SENSORBATCH_INDEX_THREADS", runtime.NumCPU())),
		batchLines:   pickInt(spec.Runtime.BatchLines, getenvInt("SENSORBATCH_BATCH_LINES", 0)),
	}
}

// getenvInt reads an int from environment, returning def when unset/invalid.
func getenvInt(k string, def int) int {
	if s := os.Getenv(k); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

// pickInt chooses the first positive value 'a', otherwise returns 'b'.
func pickInt(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}
