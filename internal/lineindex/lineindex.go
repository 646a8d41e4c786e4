// Package lineindex builds an ordered index of line start offsets for a byte
// span using a bounded pool of scanning goroutines.
//
// The span is split into contiguous blocks, one per goroutine. Every block
// boundary except the first is advanced forward past the next line terminator
// before scanning starts, so no goroutine ever begins mid-record and every
// line is wholly owned by exactly one block; the consumed prefix is credited
// back to the preceding block. With that rule seam duplicates are structurally
// impossible and the merge step is a plain concatenation in block order.
//
// The resulting Index borrows the span it was built from: offsets are only
// meaningful against that same backing slice, which must outlive the Index.
package lineindex

import (
	"bytes"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Thresholds below which the goroutine pool is shrunk; for small spans the
// scheduling overhead dominates the scan itself.
const (
	singleBelow = 100 << 10 // < 100 KiB: scan single-threaded
	pairBelow   = 1 << 20   // < 1 MiB: cap at 2 goroutines
)

// Index is an ordered sequence of line start offsets into a byte span,
// insertion order equal to file order.
type Index struct {
	data   []byte
	starts []int
}

// block is one goroutine's owned region of the span, [start, end).
type block struct {
	start, end int
}

// Threads resolves the scanning parallelism for a span of the given size.
// requested <= 0 means "use available parallelism".
func Threads(size, requested int) int {
	t := requested
	if t <= 0 {
		t = runtime.NumCPU()
	}
	switch {
	case size < singleBelow:
		t = 1
	case size < pairBelow && t > 2:
		t = 2
	}
	if t < 1 {
		t = 1
	}
	return t
}

// Build scans data with the given number of goroutines and returns the merged
// line index. The result is identical regardless of thread count.
func Build(data []byte, threads int) *Index {
	idx := &Index{data: data}
	if len(data) == 0 {
		return idx
	}

	threads = Threads(len(data), threads)
	if threads == 1 {
		idx.starts = scanBlock(data, block{0, len(data)}, nil)
		return idx
	}

	blocks := splitBlocks(data, threads)

	parts := make([][]int, len(blocks))
	var g errgroup.Group
	for i, b := range blocks {
		i, b := i, b
		g.Go(func() error {
			parts[i] = scanBlock(data, b, nil)
			return nil
		})
	}
	// Workers cannot fail; Wait is used purely as a join point.
	_ = g.Wait()

	total := 0
	for _, p := range parts {
		total += len(p)
	}
	starts := make([]int, 0, total)
	for _, p := range parts {
		starts = append(starts, p...)
	}
	idx.starts = starts
	return idx
}

// splitBlocks divides data into n contiguous blocks. Each block start except
// the first is advanced past the next '\n' so that it falls on a true line
// start; a block with no terminator at all collapses to empty and its bytes
// belong entirely to the predecessor.
func splitBlocks(data []byte, n int) []block {
	size := len(data)
	if n > size {
		n = size
	}

	raw := make([]int, n+1)
	for i := 0; i <= n; i++ {
		raw[i] = i * size / n
	}

	adj := make([]int, n+1)
	adj[0] = 0
	adj[n] = size
	for i := 1; i < n; i++ {
		s := raw[i]
		// The next terminator may sit past the raw block boundary when a
		// single record spans more than one block, so search to the end of
		// the data, not just within the block.
		j := bytes.IndexByte(data[s:], '\n')
		if j < 0 {
			adj[i] = size
			continue
		}
		adj[i] = s + j + 1
	}
	// Adjustment only moves starts forward, but a long record can push
	// several consecutive starts to the same terminator, so enforce
	// monotonicity explicitly; the over-consumed blocks collapse to empty.
	for i := 1; i <= n; i++ {
		if adj[i] < adj[i-1] {
			adj[i] = adj[i-1]
		}
	}

	blocks := make([]block, n)
	for i := 0; i < n; i++ {
		blocks[i] = block{start: adj[i], end: adj[i+1]}
	}
	return blocks
}

// scanBlock records the start offset of every line owned by b. The block
// start is a true line start by construction (offset zero, or one past a
// terminator), so it is recorded first; afterwards every byte following a
// terminator inside the block is a new start. Appends grow geometrically.
func scanBlock(data []byte, b block, starts []int) []int {
	if b.start >= b.end {
		return starts
	}
	if starts == nil {
		starts = make([]int, 0, (b.end-b.start)/32+1)
	}
	starts = append(starts, b.start)

	pos := b.start
	for {
		j := bytes.IndexByte(data[pos:b.end], '\n')
		if j < 0 {
			return starts
		}
		pos += j + 1
		if pos >= b.end {
			return starts
		}
		starts = append(starts, pos)
	}
}

// Count returns the number of indexed lines.
func (x *Index) Count() int { return len(x.starts) }

// Start returns the byte offset of line i.
func (x *Index) Start(i int) int { return x.starts[i] }

// Range returns the [start, end) offsets of line i with the trailing
// terminator excluded.
func (x *Index) Range(i int) (start, end int) {
	start = x.starts[i]
	if i+1 < len(x.starts) {
		end = x.starts[i+1] - 1 // strip the '\n' owned by this line
	} else {
		end = len(x.data)
		if end > start && x.data[end-1] == '\n' {
			end--
		}
	}
	return start, end
}

// Line returns the bytes of line i without its terminator. The slice borrows
// the span the index was built from.
func (x *Index) Line(i int) []byte {
	s, e := x.Range(i)
	return x.data[s:e]
}
