// Package config provides configuration models and helpers for sensorbatch runs.
//
// This file adds a lightweight linter/validator for Pipeline values. It
// performs static checks over a decoded Pipeline and returns a list of issues
// (errors and warnings) that callers can surface in a CLI or tests.
package config

import (
	"fmt"
	"strings"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a configuration warning that should be surfaced
	// to users but may not necessarily block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation/lint finding for a Pipeline.
//
// Path is a dotted path into the config (e.g. "input.path",
// "analyzer.command"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// ValidatePipeline performs static validation / linting of a Pipeline.
//
// It does not mutate the pipeline. Instead it returns a slice of Issue values.
// Callers may decide whether to treat warnings as fatal or not.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue

	if strings.TrimSpace(p.Job) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "job",
			Message:  "job must not be empty; it is used for metrics labeling and identifying runs",
		})
	}
	issues = append(issues, validateInput(p.Input)...)
	issues = append(issues, validateAnalyzer(p.Analyzer)...)
	issues = append(issues, validateRuntime(p.Runtime)...)
	issues = append(issues, validateStorage(p.Storage)...)

	return issues
}

// validateInput validates Input configuration.
func validateInput(in Input) []Issue {
	var issues []Issue

	if strings.TrimSpace(in.Path) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "input.path",
			Message:  "input requires a non-empty path",
		})
	}
	if in.DeviceColumn < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "input.device_column",
			Message:  "device_column must not be negative",
		})
	}
	if in.DeviceColumnName != "" && !in.Options.Bool("has_header", true) {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "input.device_column_name",
			Message:  "device_column_name requires has_header; a headerless file has no column names to resolve against",
		})
	}
	if d := in.Options.String("delimiter", "|"); len([]rune(d)) != 1 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "input.options.delimiter",
			Message:  fmt.Sprintf("delimiter must be exactly one character, got %q", d),
		})
	}

	return issues
}

// validateAnalyzer validates the external analyzer invocation.
func validateAnalyzer(a Analyzer) []Issue {
	var issues []Issue

	if strings.TrimSpace(a.Command) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "analyzer.command",
			Message:  "analyzer.command must not be empty",
		})
	}
	if rb := a.Options.Int("receive_buffer", 0); rb < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "analyzer.options.receive_buffer",
			Message:  "receive_buffer must not be negative",
		})
	}
	if t := a.Options.Int("timeout_seconds", 0); t < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "analyzer.options.timeout_seconds",
			Message:  "timeout_seconds must not be negative",
		})
	}

	return issues
}

// validateRuntime validates RuntimeConfig for obvious misconfigurations.
func validateRuntime(r RuntimeConfig) []Issue {
	var issues []Issue

	if r.Workers < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.workers",
			Message:  "workers must not be negative",
		})
	}
	if r.IndexThreads < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.index_threads",
			Message:  "index_threads must not be negative",
		})
	}
	if r.BatchLines < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.batch_lines",
			Message:  "batch_lines must not be negative",
		})
	}

	return issues
}

// validateStorage validates storage configuration and DB settings. An empty
// kind means persistence is disabled and is not an issue.
func validateStorage(s Storage) []Issue {
	var issues []Issue

	if strings.TrimSpace(s.Kind) == "" {
		return issues
	}

	known := map[string]struct{}{
		"postgres": {},
		"sqlite":   {},
	}
	if _, ok := known[s.Kind]; !ok {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "storage.kind",
			Message:  fmt.Sprintf("unknown storage kind %q; ensure a matching backend is registered", s.Kind),
		})
	}

	db := s.DB
	if strings.TrimSpace(db.DSN) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.db.dsn",
			Message:  "storage.db.dsn must not be empty",
		})
	}
	if strings.TrimSpace(db.Table) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.db.table",
			Message:  "storage.db.table must not be empty",
		})
	}

	return issues
}
