package lineindex

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"
)

// expectedStarts computes line starts with a simple single-pass reference scan.
func expectedStarts(data []byte) []int {
	var starts []int
	if len(data) == 0 {
		return starts
	}
	starts = append(starts, 0)
	for i, c := range data {
		if c == '\n' && i+1 < len(data) {
			starts = append(starts, i+1)
		}
	}
	return starts
}

func TestBuild_MatchesReference(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"single line no terminator", []byte("a|b|c")},
		{"single line terminated", []byte("a|b|c\n")},
		{"two lines", []byte("a\nb\n")},
		{"trailing unterminated line", []byte("a\nb\nc")},
		{"blank lines", []byte("\n\n\na\n\n")},
		{"only terminators", []byte("\n\n\n")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			idx := Build(tc.data, 1)
			want := expectedStarts(tc.data)
			if idx.Count() != len(want) {
				t.Fatalf("Count = %d, want %d", idx.Count(), len(want))
			}
			for i, w := range want {
				if got := idx.Start(i); got != w {
					t.Fatalf("Start(%d) = %d, want %d", i, got, w)
				}
			}
		})
	}
}

// TestBuild_ThreadCountInvariance verifies the core property of the block
// boundary rule: the index is byte-identical no matter how many goroutines
// scanned the span.
func TestBuild_ThreadCountInvariance(t *testing.T) {
	data := makeRecords(5000)

	ref := Build(data, 1)
	for _, threads := range []int{2, 3, 4, 7, 16} {
		idx := buildParallel(data, threads)
		if idx.Count() != ref.Count() {
			t.Fatalf("threads=%d: Count = %d, want %d", threads, idx.Count(), ref.Count())
		}
		for i := 0; i < ref.Count(); i++ {
			if idx.Start(i) != ref.Start(i) {
				t.Fatalf("threads=%d: Start(%d) = %d, want %d",
					threads, i, idx.Start(i), ref.Start(i))
			}
		}
	}
}

// buildParallel bypasses the small-input thread reduction so the parallel path
// is exercised even on test-sized data.
func buildParallel(data []byte, threads int) *Index {
	idx := &Index{data: data}
	blocks := splitBlocks(data, threads)
	for _, b := range blocks {
		idx.starts = scanBlock(data, b, idx.starts)
	}
	return idx
}

// TestBuild_SeamOnTerminator places block boundaries directly on and around
// terminators; the advance-past rule must not double count the seam line.
func TestBuild_SeamOnTerminator(t *testing.T) {
	// 10 lines of equal width so raw block boundaries hit all alignments
	// relative to '\n' as the thread count varies.
	var buf bytes.Buffer
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&buf, "%04d|dev\n", i)
	}
	data := buf.Bytes()

	ref := expectedStarts(data)
	for threads := 2; threads <= len(data); threads++ {
		idx := buildParallel(data, threads)
		if idx.Count() != len(ref) {
			t.Fatalf("threads=%d: Count = %d, want %d", threads, idx.Count(), len(ref))
		}
	}
}

// TestBuild_RecordSpansBlocks covers records wider than a whole scan block:
// every raw boundary inside the record must advance to the record's own
// terminator, never stop at the block edge mid-record.
func TestBuild_RecordSpansBlocks(t *testing.T) {
	// A 4 KiB record split 8 ways leaves several terminator-free blocks.
	long := bytes.Repeat([]byte("x"), 4<<10)
	var buf bytes.Buffer
	buf.Write(long)
	buf.WriteByte('\n')
	for i := 0; i < 64; i++ {
		fmt.Fprintf(&buf, "%d|dev|%d\n", i, i)
	}
	data := buf.Bytes()

	ref := expectedStarts(data)
	for _, threads := range []int{2, 4, 8, 16} {
		idx := buildParallel(data, threads)
		if idx.Count() != len(ref) {
			t.Fatalf("threads=%d: Count = %d, want %d", threads, idx.Count(), len(ref))
		}
		for i, w := range ref {
			if got := idx.Start(i); got != w {
				t.Fatalf("threads=%d: Start(%d) = %d, want %d", threads, i, got, w)
			}
		}
	}
}

// TestBuild_WideRecordLargeInput runs the same shape through the exported
// Build path on an input big enough to keep all requested goroutines.
func TestBuild_WideRecordLargeInput(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(bytes.Repeat([]byte("y"), 3*pairBelow/2))
	buf.WriteByte('\n')
	for i := 0; i < 64; i++ {
		fmt.Fprintf(&buf, "%d|dev|%d\n", i, i)
	}
	data := buf.Bytes()

	ref := Build(data, 1)
	idx := Build(data, 4)
	if idx.Count() != ref.Count() {
		t.Fatalf("Count = %d, want %d", idx.Count(), ref.Count())
	}
	for i := 0; i < ref.Count(); i++ {
		if idx.Start(i) != ref.Start(i) {
			t.Fatalf("Start(%d) = %d, want %d", i, idx.Start(i), ref.Start(i))
		}
	}
}

func TestRange_StripsTerminator(t *testing.T) {
	data := []byte("first\nsecond\nlast")
	idx := Build(data, 1)

	want := []string{"first", "second", "last"}
	if idx.Count() != len(want) {
		t.Fatalf("Count = %d, want %d", idx.Count(), len(want))
	}
	for i, w := range want {
		if got := string(idx.Line(i)); got != w {
			t.Fatalf("Line(%d) = %q, want %q", i, got, w)
		}
	}
}

func TestRange_TerminatedLastLine(t *testing.T) {
	idx := Build([]byte("only\n"), 1)
	if idx.Count() != 1 {
		t.Fatalf("Count = %d, want 1", idx.Count())
	}
	if got := string(idx.Line(0)); got != "only" {
		t.Fatalf("Line(0) = %q, want %q", got, "only")
	}
}

func TestThreads_SmallInputReduction(t *testing.T) {
	cases := []struct {
		size, requested, want int
	}{
		{10, 8, 1},             // tiny: always single-threaded
		{singleBelow - 1, 4, 1},
		{singleBelow, 8, 2},    // mid-size: capped at 2
		{pairBelow - 1, 16, 2},
		{pairBelow, 8, 8},      // large: as requested
		{pairBelow, 0, 0},      // 0 means NumCPU; just check >= 1 below
	}
	for _, tc := range cases {
		got := Threads(tc.size, tc.requested)
		if tc.want != 0 && got != tc.want {
			t.Errorf("Threads(%d, %d) = %d, want %d", tc.size, tc.requested, got, tc.want)
		}
		if got < 1 {
			t.Errorf("Threads(%d, %d) = %d, want >= 1", tc.size, tc.requested, got)
		}
	}
}

// makeRecords produces deterministic pseudo-random pipe-delimited records with
// varying widths.
func makeRecords(n int) []byte {
	rng := rand.New(rand.NewSource(42))
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		fmt.Fprintf(&buf, "%d|sensor_%02d|%d\n", i, rng.Intn(40), rng.Intn(1000))
	}
	return buf.Bytes()
}
