// Package partition distributes devices across a fixed number of worker slots
// and materializes one self-contained byte buffer per slot.
//
// Distribution uses longest-processing-time greedy bin-packing: devices are
// sorted by record count descending and each is assigned to the slot currently
// holding the fewest total records. That keeps every device's records together
// in a single slot while bounding the largest slot at (2 - 1/W) times the
// ideal average. Slots that receive no devices still materialize an empty,
// well-formed buffer so the downstream slot count stays fixed.
package partition

import (
	"errors"
	"sort"

	"github.com/zeebo/xxh3"

	"sensorbatch/internal/devtable"
)

// ErrNoDevices is returned by Plan when the table holds no devices; there is
// nothing to dispatch and callers must treat the run as failed.
var ErrNoDevices = errors.New("no devices to partition")

// defaultBatchLines caps how many record ranges are appended per copy batch
// when materializing a very large device, bounding transient bookkeeping.
const defaultBatchLines = 65536

// Assignment is one worker slot's share of the device set.
type Assignment struct {
	Worker  int
	Devices []string
	Lines   int
}

// Chunk is one worker slot's materialized buffer of concatenated records.
// Payload never includes the header; the header travels alongside in the work
// item so every chunk stays self-describing for the analyzer.
type Chunk struct {
	Worker  int
	Payload []byte
	Lines   int
	Devices int
	Digest  uint64 // xxh3 of Payload, for run reporting and integrity checks
}

// Options tunes chunk materialization.
type Options struct {
	// BatchLines bounds the number of line ranges copied per batch for
	// devices larger than the batch. Zero means the default.
	BatchLines int
}

// Plan assigns every device in the table to exactly one of workers slots,
// balancing by total record count.
func Plan(t *devtable.Table, workers int) ([]Assignment, error) {
	if workers <= 0 {
		workers = 1
	}

	ids := t.Devices()
	if len(ids) == 0 {
		return nil, ErrNoDevices
	}

	type devLoad struct {
		id    string
		lines int
	}
	devs := make([]devLoad, 0, len(ids))
	for _, id := range ids {
		lines, ok := t.Lines(id)
		if !ok || len(lines) == 0 {
			// A device with no extractable records is skipped without
			// affecting slot counts.
			continue
		}
		devs = append(devs, devLoad{id: id, lines: len(lines)})
	}
	if len(devs) == 0 {
		return nil, ErrNoDevices
	}

	// LPT order: heaviest first; ties broken by id so plans are deterministic.
	sort.Slice(devs, func(i, j int) bool {
		if devs[i].lines != devs[j].lines {
			return devs[i].lines > devs[j].lines
		}
		return devs[i].id < devs[j].id
	})

	plan := make([]Assignment, workers)
	for i := range plan {
		plan[i].Worker = i
	}
	for _, d := range devs {
		min := 0
		for w := 1; w < workers; w++ {
			if plan[w].Lines < plan[min].Lines {
				min = w
			}
		}
		plan[min].Devices = append(plan[min].Devices, d.id)
		plan[min].Lines += d.lines
	}
	return plan, nil
}

// Materialize builds one Chunk per assignment by concatenating the byte
// ranges of each assigned device's records, inserting a terminator after any
// record that lacks one. data must be the same span the table was built from.
//
// Large devices are appended in bounded batches of ranges; all batches for a
// device land in that device's single slot buffer.
func Materialize(data []byte, t *devtable.Table, plan []Assignment, opts Options) []Chunk {
	batch := opts.BatchLines
	if batch <= 0 {
		batch = defaultBatchLines
	}

	chunks := make([]Chunk, len(plan))
	for i, a := range plan {
		chunks[i] = materializeSlot(data, t, a, batch)
	}
	return chunks
}

func materializeSlot(data []byte, t *devtable.Table, a Assignment, batch int) Chunk {
	// Exact payload size: every record is written with a trailing terminator.
	total := 0
	lines := 0
	for _, id := range a.Devices {
		ranges, ok := t.Lines(id)
		if !ok {
			continue
		}
		for _, r := range ranges {
			total += r.End - r.Start + 1
		}
		lines += len(ranges)
	}

	buf := make([]byte, 0, total)
	for _, id := range a.Devices {
		ranges, ok := t.Lines(id)
		if !ok {
			continue
		}
		for len(ranges) > 0 {
			n := batch
			if n > len(ranges) {
				n = len(ranges)
			}
			for _, r := range ranges[:n] {
				buf = append(buf, data[r.Start:r.End]...)
				buf = append(buf, '\n')
			}
			ranges = ranges[n:]
		}
	}

	return Chunk{
		Worker:  a.Worker,
		Payload: buf,
		Lines:   lines,
		Devices: len(a.Devices),
		Digest:  xxh3.Hash(buf),
	}
}
