// Package devtable groups record references by the device identifier found at
// a fixed column of each delimited record.
//
// The table stores borrowed line ranges into the mapped input span — record
// bytes are never copied. Device ids, by contrast, are short and reused as
// hash/compare keys, so each entry keeps its own string copy. Insertion is the
// only mutating operation and is serialized by a single table-wide mutex;
// correctness does not depend on insertion order, so concurrent builders may
// share one table. After construction the table is treated as read-only.
package devtable

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/text/unicode/norm"
)

const (
	// defaultBuckets is prime for better distribution with modulo reduction.
	defaultBuckets = 10007

	// maxChainLoad bounds records-per-bucket before New scales the bucket
	// count up for large inputs.
	maxChainLoad = 8
)

// ErrColumnOutOfRange reports a record with fewer columns than the configured
// device column index.
var ErrColumnOutOfRange = errors.New("record has fewer columns than device column index")

// ErrColumnNotFound reports a header that does not contain the requested
// device column name.
var ErrColumnNotFound = errors.New("device column not found in header")

// Range is a borrowed [Start, End) view of one record inside the mapped span,
// excluding the line terminator.
type Range struct {
	Start, End int
}

// entry is one device's bucket-chain node.
type entry struct {
	id    string
	lines []Range
	next  *entry
}

// Table maps device ids to their record references via bucketed chaining.
type Table struct {
	mu      sync.Mutex
	buckets []*entry
	column  int
	delim   byte
	devices int
	records int
}

// New creates a table for records whose device id sits at column (zero-based,
// fields split on delim). recordHint, when positive, is the estimated total
// record count and is used to scale the bucket count so chains stay short.
func New(recordHint, column int, delim byte) *Table {
	n := defaultBuckets
	for recordHint > n*maxChainLoad {
		n = n*2 + 1
	}
	return &Table{
		buckets: make([]*entry, n),
		column:  column,
		delim:   delim,
	}
}

// fnv1a hashes the device id bytes (FNV-1a, 32-bit).
func fnv1a(b []byte) uint32 {
	h := uint32(2166136261)
	for _, c := range b {
		h ^= uint32(c)
		h *= 16777619
	}
	return h
}

// field returns the idx-th delimiter-separated field of rec, or an error when
// rec has fewer fields.
func field(rec []byte, idx int, delim byte) ([]byte, error) {
	rest := rec
	for i := 0; i < idx; i++ {
		j := bytes.IndexByte(rest, delim)
		if j < 0 {
			return nil, fmt.Errorf("column %d: %w", idx, ErrColumnOutOfRange)
		}
		rest = rest[j+1:]
	}
	if j := bytes.IndexByte(rest, delim); j >= 0 {
		rest = rest[:j]
	}
	return rest, nil
}

// ExtractDeviceID returns the device id field of one record.
func ExtractDeviceID(rec []byte, column int, delim byte) ([]byte, error) {
	return field(rec, column, delim)
}

// AddLine extracts the device id from the record at rng within data and
// appends the record reference to that device's entry, creating the entry on
// first sight. New entries are prepended to the bucket chain.
func (t *Table) AddLine(data []byte, rng Range) error {
	id, err := ExtractDeviceID(data[rng.Start:rng.End], t.column, t.delim)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	slot := fnv1a(id) % uint32(len(t.buckets))
	for e := t.buckets[slot]; e != nil; e = e.next {
		if e.id == string(id) {
			e.lines = append(e.lines, rng)
			t.records++
			return nil
		}
	}

	e := &entry{
		id:    string(id), // independent copy, detached from the mapping
		lines: append(make([]Range, 0, 4), rng),
		next:  t.buckets[slot],
	}
	t.buckets[slot] = e
	t.devices++
	t.records++
	return nil
}

// Lines returns the record references for a device in insertion (file) order.
// The second return is false when the device is unknown.
func (t *Table) Lines(id string) ([]Range, bool) {
	slot := fnv1a([]byte(id)) % uint32(len(t.buckets))
	for e := t.buckets[slot]; e != nil; e = e.next {
		if e.id == id {
			return e.lines, true
		}
	}
	return nil, false
}

// Devices returns all distinct device ids, sorted for determinism. The slice
// and its strings are independent copies, safe to retain past the table.
func (t *Table) Devices() []string {
	out := make([]string, 0, t.devices)
	for _, b := range t.buckets {
		for e := b; e != nil; e = e.next {
			out = append(out, e.id)
		}
	}
	sort.Strings(out)
	return out
}

// DeviceCount returns the number of distinct devices observed.
func (t *Table) DeviceCount() int { return t.devices }

// RecordCount returns the total number of record references stored.
func (t *Table) RecordCount() int { return t.records }

// Column returns the configured device column index.
func (t *Table) Column() int { return t.column }

// Delimiter returns the configured field delimiter.
func (t *Table) Delimiter() byte { return t.delim }

// FindColumn locates name among the delimiter-separated fields of header and
// returns its zero-based index. Field names are compared after trimming
// surrounding spaces and NFC normalization, so headers produced with combining
// diacritics still match their precomposed configuration spelling.
func FindColumn(header []byte, name string, delim byte) (int, error) {
	want := norm.NFC.String(name)
	idx := 0
	rest := header
	for {
		tok := rest
		j := bytes.IndexByte(rest, delim)
		if j >= 0 {
			tok = rest[:j]
		}
		got := norm.NFC.String(string(bytes.TrimSpace(tok)))
		if got == want {
			return idx, nil
		}
		if j < 0 {
			return -1, fmt.Errorf("%q: %w", name, ErrColumnNotFound)
		}
		rest = rest[j+1:]
		idx++
	}
}
