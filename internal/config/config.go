// Package config defines the canonical, JSON-serializable configuration model
// for a sensorbatch run. It is intentionally small, explicit, and dependency-
// free so that job files can be loaded from disk (or other sources) and passed
// through the program without additional glue code.
//
// Design goals:
//
//  1. Stability: Changes to this package should be additive and backwards-
//     compatible whenever possible.
//  2. Clarity: Field names in Go mirror the JSON structure used in job files
//     under configs/*.json.
//  3. Minimalism: No third-party config libraries; decoding is performed by the
//     standard library, with a light Options helper for typed access.
//
// Example (trimmed):
//
//	{
//	  "job":      "sensor-demo",
//	  "input":    { "path": "data/devices.csv", "options": { "delimiter": "|" } },
//	  "analyzer": { "command": "python3", "args": ["analyze.py"] },
//	  "runtime":  { "workers": 4 },
//	  "storage":  { "kind": "sqlite", "db": { "dsn": "file:runs.db", "table": "sensorbatch" } }
//	}
package config

import "encoding/json"

// Pipeline describes one full partition-and-dispatch run in JSON. It is the
// top-level object decoded from a job file (e.g., configs/*.json).
type Pipeline struct {
	// Job names the run for logging, metrics labeling, and run reports.
	Job string `json:"job"`

	// Input describes the delimited input file and how device identity is
	// derived from it.
	Input Input `json:"input"`

	// Analyzer configures the external analysis process spawned per chunk.
	Analyzer Analyzer `json:"analyzer"`

	// Runtime controls concurrency and batching.
	Runtime RuntimeConfig `json:"runtime"`

	// Storage optionally persists the run report. An empty kind disables it.
	Storage Storage `json:"storage"`
}

// Input identifies the delimited input file.
type Input struct {
	// Path is the local filesystem path to the input file.
	Path string `json:"path"`

	// DeviceColumn is the zero-based index of the device identifier column.
	// When DeviceColumnName is set it takes precedence and the index is
	// resolved from the header line instead.
	DeviceColumn int `json:"device_column"`

	// DeviceColumnName optionally names the device column; it is matched
	// against the header after Unicode normalization and whitespace trimming.
	DeviceColumnName string `json:"device_column_name"`

	// Options is a free-form map interpreted by the input layer. Typical keys:
	//   delimiter (string, single character), has_header (bool)
	Options Options `json:"options"`
}

// Analyzer describes the external process each chunk is handed to.
type Analyzer struct {
	// Command is the executable to spawn, resolved via PATH.
	Command string `json:"command"`

	// Args are fixed arguments placed before the socket flag.
	Args []string `json:"args"`

	// Options is a free-form map interpreted by the dispatcher. Typical keys:
	//   socket_flag (string), socket_dir (string),
	//   receive_buffer (int, bytes), timeout_seconds (int)
	Options Options `json:"options"`
}

// RuntimeConfig controls concurrency and batching.
type RuntimeConfig struct {
	// Workers is the number of partitions and worker goroutines. Zero means
	// one per CPU.
	Workers int `json:"workers"`

	// IndexThreads bounds the parallelism of the line-index phase. Zero means
	// one per CPU, subject to small-file reduction.
	IndexThreads int `json:"index_threads"`

	// BatchLines is the number of record ranges copied per batch when
	// materializing chunk payloads. Zero selects a sensible default.
	BatchLines int `json:"batch_lines"`
}

// Storage selects the sink used to persist run reports.
type Storage struct {
	// Kind selects the storage implementation ("postgres", "sqlite").
	// Empty disables persistence.
	Kind string `json:"kind"`

	// DB carries connection settings shared across backends.
	DB DBConfig `json:"db"`
}

// DBConfig configures the DB sink.
type DBConfig struct {
	// DSN is the connection string for the selected backend (e.g.,
	// postgresql://... for pgx, file:runs.db for sqlite).
	DSN string `json:"dsn"`

	// Table is the base table name; the backend derives the actual table
	// names from it (e.g., <table>_runs, <table>_chunks).
	Table string `json:"table"`

	// AutoCreateTable creates the report tables on first use when true.
	AutoCreateTable bool `json:"auto_create_table"`
}

// Options is a small helper to fetch typed values from arbitrary JSON maps
// without introducing third-party configuration libraries. It purposefully
// performs only minimal type coercion and returns provided defaults when a key
// is absent or of an unexpected type.
type Options map[string]any

// String returns the string value for key or def if key is missing or not a string.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def if key is missing or not a bool.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Int returns the int value for key or def. JSON numbers are decoded as
// float64 by encoding/json, so this method accepts float64 and casts to int.
// If the value is neither float64 nor int, def is returned.
func (o Options) Int(key string, def int) int {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

// Rune returns the first rune of a string value for key, or def if key is
// missing or empty. This is useful for single-character settings such as the
// input field delimiter.
func (o Options) Rune(key string, def rune) rune {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok && len(s) > 0 {
			return []rune(s)[0]
		}
	}
	return def
}

// UnmarshalJSON implements json.Unmarshaler so that a missing or null "options"
// object in JSON decodes to a non-nil, empty Options map. This simplifies call
// sites by removing the need to nil-check Options values.
func (o *Options) UnmarshalJSON(b []byte) error {
	var tmp map[string]any
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}
