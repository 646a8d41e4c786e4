package devtable

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
)

// buildFixture indexes the lines of data (split on '\n') into ranges.
func buildFixture(data []byte) []Range {
	var out []Range
	start := 0
	for i, c := range data {
		if c == '\n' {
			out = append(out, Range{Start: start, End: i})
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, Range{Start: start, End: len(data)})
	}
	return out
}

func TestExtractDeviceID(t *testing.T) {
	cases := []struct {
		name    string
		rec     string
		column  int
		want    string
		wantErr bool
	}{
		{"first column", "sensor_01|2024-01-01|3.14", 0, "sensor_01", false},
		{"middle column", "1|sensor_02|3.14", 1, "sensor_02", false},
		{"last column", "1|2024-01-01|sensor_03", 2, "sensor_03", false},
		{"column out of range", "a|b", 5, "", true},
		{"empty field", "1||3.14", 1, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractDeviceID([]byte(tc.rec), tc.column, '|')
			if tc.wantErr {
				if !errors.Is(err, ErrColumnOutOfRange) {
					t.Fatalf("err = %v, want ErrColumnOutOfRange", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExtractDeviceID: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("device = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAddLine_GroupsByDevice(t *testing.T) {
	data := []byte("1|alpha|10\n2|beta|20\n3|alpha|30\n4|beta|40\n5|alpha|50\n")
	ranges := buildFixture(data)

	tab := New(len(ranges), 1, '|')
	for _, r := range ranges {
		if err := tab.AddLine(data, r); err != nil {
			t.Fatalf("AddLine: %v", err)
		}
	}

	if got, want := tab.DeviceCount(), 2; got != want {
		t.Fatalf("DeviceCount = %d, want %d", got, want)
	}
	if got, want := tab.RecordCount(), 5; got != want {
		t.Fatalf("RecordCount = %d, want %d", got, want)
	}

	alpha, ok := tab.Lines("alpha")
	if !ok {
		t.Fatalf("Lines(alpha) not found")
	}
	if len(alpha) != 3 {
		t.Fatalf("alpha lines = %d, want 3", len(alpha))
	}
	// Insertion order equals file order for a single goroutine.
	for i, want := range []string{"1|alpha|10", "3|alpha|30", "5|alpha|50"} {
		if got := string(data[alpha[i].Start:alpha[i].End]); got != want {
			t.Fatalf("alpha[%d] = %q, want %q", i, got, want)
		}
	}

	if _, ok := tab.Lines("gamma"); ok {
		t.Fatalf("Lines(gamma) unexpectedly found")
	}
}

func TestAddLine_ColumnOutOfRange(t *testing.T) {
	data := []byte("short\n")
	tab := New(1, 3, '|')
	err := tab.AddLine(data, Range{Start: 0, End: 5})
	if !errors.Is(err, ErrColumnOutOfRange) {
		t.Fatalf("err = %v, want ErrColumnOutOfRange", err)
	}
	if tab.RecordCount() != 0 {
		t.Fatalf("RecordCount = %d after failed insert, want 0", tab.RecordCount())
	}
}

func TestDevices_SortedCopies(t *testing.T) {
	data := []byte("1|zeta|0\n2|alpha|0\n3|mid|0\n")
	tab := New(3, 1, '|')
	for _, r := range buildFixture(data) {
		if err := tab.AddLine(data, r); err != nil {
			t.Fatalf("AddLine: %v", err)
		}
	}

	got := tab.Devices()
	want := []string{"alpha", "mid", "zeta"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Devices = %v, want %v", got, want)
	}
}

// TestAddLine_Concurrent verifies that concurrent builders sharing one table
// agree on totals regardless of interleaving.
func TestAddLine_Concurrent(t *testing.T) {
	const (
		workers = 8
		perDev  = 100
		devs    = 25
	)
	var buf bytes.Buffer
	for i := 0; i < devs*perDev; i++ {
		fmt.Fprintf(&buf, "%d|dev_%02d|x\n", i, i%devs)
	}
	data := buf.Bytes()
	ranges := buildFixture(data)

	tab := New(len(ranges), 1, '|')
	var wg sync.WaitGroup
	stripe := (len(ranges) + workers - 1) / workers
	for w := 0; w < workers; w++ {
		lo := w * stripe
		hi := lo + stripe
		if lo >= len(ranges) {
			break
		}
		if hi > len(ranges) {
			hi = len(ranges)
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for _, r := range ranges[lo:hi] {
				if err := tab.AddLine(data, r); err != nil {
					t.Errorf("AddLine: %v", err)
					return
				}
			}
		}(lo, hi)
	}
	wg.Wait()

	if got, want := tab.DeviceCount(), devs; got != want {
		t.Fatalf("DeviceCount = %d, want %d", got, want)
	}
	if got, want := tab.RecordCount(), devs*perDev; got != want {
		t.Fatalf("RecordCount = %d, want %d", got, want)
	}
	for i := 0; i < devs; i++ {
		lines, ok := tab.Lines(fmt.Sprintf("dev_%02d", i))
		if !ok || len(lines) != perDev {
			t.Fatalf("dev_%02d lines = %d, want %d", i, len(lines), perDev)
		}
	}
}

func TestNew_ScalesBuckets(t *testing.T) {
	small := New(100, 0, '|')
	if len(small.buckets) != defaultBuckets {
		t.Fatalf("small buckets = %d, want %d", len(small.buckets), defaultBuckets)
	}

	big := New(1_000_000, 0, '|')
	if len(big.buckets) <= defaultBuckets {
		t.Fatalf("big buckets = %d, want > %d", len(big.buckets), defaultBuckets)
	}
	if got := big.buckets; 1_000_000 > len(got)*maxChainLoad {
		t.Fatalf("bucket scaling insufficient: %d buckets for 1M records", len(got))
	}
}

func TestFindColumn(t *testing.T) {
	header := []byte("id|device| temperatura |umidade")

	cases := []struct {
		name    string
		col     string
		want    int
		wantErr bool
	}{
		{"first", "id", 0, false},
		{"middle", "device", 1, false},
		{"surrounding spaces", "temperatura", 2, false},
		{"last", "umidade", 3, false},
		{"missing", "pressao", -1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FindColumn(header, tc.col, '|')
			if tc.wantErr {
				if !errors.Is(err, ErrColumnNotFound) {
					t.Fatalf("err = %v, want ErrColumnNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("FindColumn: %v", err)
			}
			if got != tc.want {
				t.Fatalf("FindColumn = %d, want %d", got, tc.want)
			}
		})
	}
}

// TestFindColumn_UnicodeNormalization matches a header written with combining
// diacritics against the precomposed configuration spelling.
func TestFindColumn_UnicodeNormalization(t *testing.T) {
	// "pressão" is "pressão" with a combining tilde (NFD).
	header := []byte("id|pressão|valor")

	got, err := FindColumn(header, "pressão", '|')
	if err != nil {
		t.Fatalf("FindColumn: %v", err)
	}
	if got != 1 {
		t.Fatalf("FindColumn = %d, want 1", got)
	}
}
