// Package dispatch runs the worker pool that hands partitions to external
// analysis processes over local unix-domain sockets.
//
// Each worker loops: dequeue a partition, open a fresh uniquely-named
// listening socket, spawn the analyzer bound to that socket, send
// header + '\n' + payload over the first accepted connection, read the
// analyzer's response over a second accepted connection into a bounded
// buffer, aggregate it, then reap the process and unlink the socket. Socket
// teardown and process reaping happen on every path, including failures.
//
// Per-chunk failures never abort the run: every chunk produces a ChunkStatus
// whether it succeeded or not, so lost data is visible to the caller instead
// of silently undercounting.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"sensorbatch/internal/metrics"
	"sensorbatch/internal/workqueue"
)

const (
	defaultReceiveBuffer = 1 << 20
	defaultTimeout       = 60 * time.Second
	defaultSocketFlag    = "--socket"
)

// Config describes the worker pool and the external analyzer invocation.
type Config struct {
	// Workers is the number of worker goroutines; it normally equals the
	// partition count.
	Workers int

	// Command and Args form the analyzer invocation. The socket path is
	// appended as `SocketFlag <path>`.
	Command string
	Args    []string

	// SocketFlag is the flag name that precedes the socket path argument.
	// Empty means "--socket".
	SocketFlag string

	// SocketDir is the directory sockets are created in. Empty means the
	// system temp dir. Paths embed the pid, worker id, and a per-worker
	// sequence number, so concurrent instances never collide.
	SocketDir string

	// ReceiveBuffer bounds the analyzer response size in bytes; larger
	// responses are truncated, not failed. Zero means 1 MiB.
	ReceiveBuffer int

	// Timeout bounds one chunk's whole exchange (connect, send, receive,
	// exit). A hung analyzer is killed when it expires. Zero means 60s.
	Timeout time.Duration

	// Job labels emitted metrics.
	Job string
}

// WorkerResult is one worker's accumulated analyzer output, written only by
// that worker and read after all workers join.
type WorkerResult struct {
	Worker int
	Output []byte
	Lines  int
}

// ChunkStatus reports the outcome of dispatching a single chunk.
type ChunkStatus struct {
	Worker    int
	Seq       int
	LinesIn   int
	BytesIn   int
	LinesOut  int
	BytesOut  int
	Digest    uint64
	Truncated bool
	Duration  time.Duration
	Err       error
}

// OK reports whether the chunk was exchanged successfully.
func (s ChunkStatus) OK() bool { return s.Err == nil }

// process is the minimal surface of a spawned analyzer. It exists as a seam:
// tests substitute an in-process fake that speaks the socket protocol.
type process interface {
	Wait() error
}

var spawn = func(ctx context.Context, command string, args []string) (process, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Pool dispatches queued partitions to external analyzer processes.
type Pool struct {
	cfg Config
}

// New builds a pool, applying defaults for unset config fields.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.SocketFlag == "" {
		cfg.SocketFlag = defaultSocketFlag
	}
	if cfg.SocketDir == "" {
		cfg.SocketDir = os.TempDir()
	}
	if cfg.ReceiveBuffer <= 0 {
		cfg.ReceiveBuffer = defaultReceiveBuffer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Pool{cfg: cfg}
}

// Run drains the queue with the configured number of workers and returns the
// per-worker results in worker-index order plus one status per dequeued
// chunk. Run blocks until every worker has exited on queue-empty (or ctx
// cancellation).
func (p *Pool) Run(ctx context.Context, q *workqueue.Queue) ([]WorkerResult, []ChunkStatus, error) {
	results := make([]WorkerResult, p.cfg.Workers)
	perWorker := make([][]ChunkStatus, p.cfg.Workers)

	var wg sync.WaitGroup
	wg.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go func(id int) {
			defer wg.Done()
			results[id], perWorker[id] = p.runWorker(ctx, id, q)
		}(i)
	}
	wg.Wait()

	var statuses []ChunkStatus
	for _, s := range perWorker {
		statuses = append(statuses, s...)
	}
	return results, statuses, ctx.Err()
}

// runWorker is one worker's dequeue-exchange-aggregate loop, terminal on
// queue empty.
func (p *Pool) runWorker(ctx context.Context, id int, q *workqueue.Queue) (WorkerResult, []ChunkStatus) {
	res := WorkerResult{Worker: id}
	var statuses []ChunkStatus

	for seq := 0; ; seq++ {
		if ctx.Err() != nil {
			break
		}
		it, ok := q.Dequeue()
		if !ok {
			break
		}

		start := time.Now()
		st := ChunkStatus{
			Worker:  id,
			Seq:     seq,
			LinesIn: it.Lines,
			BytesIn: len(it.Payload),
			Digest:  it.Digest,
		}
		out := p.exchange(ctx, id, seq, it, &st)
		st.Duration = time.Since(start)
		metrics.RecordStep(p.cfg.Job, "chunk", st.Err, st.Duration)

		if st.Err == nil {
			res.Output = append(res.Output, out...)
			res.Lines += st.LinesOut
		}
		statuses = append(statuses, st)
	}
	return res, statuses
}

// exchange performs one chunk's full socket round trip. On return the socket
// is closed and unlinked and the analyzer process has been reaped.
func (p *Pool) exchange(ctx context.Context, worker, seq int, it *workqueue.Item, st *ChunkStatus) []byte {
	sock := filepath.Join(p.cfg.SocketDir,
		fmt.Sprintf("sensorbatch-%d-w%d-%d.sock", os.Getpid(), worker, seq))
	_ = os.Remove(sock) // stale socket from a crashed prior run

	ln, err := net.Listen("unix", sock)
	if err != nil {
		st.Err = fmt.Errorf("channel open: %w", err)
		return nil
	}
	defer func() {
		ln.Close()
		os.Remove(sock)
	}()

	deadline := time.Now().Add(p.cfg.Timeout)
	if ul, ok := ln.(*net.UnixListener); ok {
		_ = ul.SetDeadline(deadline)
	}

	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	args := make([]string, 0, len(p.cfg.Args)+2)
	args = append(args, p.cfg.Args...)
	args = append(args, p.cfg.SocketFlag, sock)

	proc, err := spawn(cctx, p.cfg.Command, args)
	if err != nil {
		st.Err = fmt.Errorf("spawn %s: %w", p.cfg.Command, err)
		return nil
	}
	// Reap on every path. A nonzero exit only fails the chunk when the
	// analyzer also produced no output.
	defer func() {
		if werr := proc.Wait(); werr != nil && st.Err == nil && st.BytesOut == 0 {
			st.Err = fmt.Errorf("analyzer exit: %w", werr)
		}
	}()

	if err := sendChunk(ln, it); err != nil {
		st.Err = err
		return nil
	}

	out, truncated, err := p.receive(ln)
	if err != nil {
		st.Err = err
		return nil
	}
	st.BytesOut = len(out)
	st.LinesOut = bytes.Count(out, []byte{'\n'})
	st.Truncated = truncated
	return out
}

// sendChunk accepts the analyzer's first connection and writes
// header + '\n' + payload, then closes so the peer sees EOF.
func sendChunk(ln net.Listener, it *workqueue.Item) error {
	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept send: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(it.Header); err != nil {
		return fmt.Errorf("send header: %w", err)
	}
	if _, err := conn.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("send separator: %w", err)
	}
	if _, err := conn.Write(it.Payload); err != nil {
		return fmt.Errorf("send payload: %w", err)
	}
	return nil
}

// receive accepts the analyzer's second connection and reads the response
// into a bounded buffer. Reads one byte past the limit so a response that
// exactly fills the buffer is not reported as truncated.
func (p *Pool) receive(ln net.Listener) ([]byte, bool, error) {
	conn, err := ln.Accept()
	if err != nil {
		return nil, false, fmt.Errorf("accept receive: %w", err)
	}
	defer conn.Close()

	buf := make([]byte, p.cfg.ReceiveBuffer+1)
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, fmt.Errorf("receive: %w", err)
		}
	}
	if n > p.cfg.ReceiveBuffer {
		return buf[:p.cfg.ReceiveBuffer], true, nil
	}
	return buf[:n], false, nil
}
