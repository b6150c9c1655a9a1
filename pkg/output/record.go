// Package output provides JSONL output for imputation run events.
//
// Output is structured as typed record envelopes containing task
// progress, per-region job states, counters, archives and a final
// summary. Each line is a self-contained JSON object that can be parsed
// independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: genimpute.<type>.v<version>
const (
	// TypeTask identifies task begin/update/end records.
	TypeTask = "genimpute.task.v1"

	// TypeJob identifies per-region job state records.
	TypeJob = "genimpute.job.v1"

	// TypeCounter identifies named counter records.
	TypeCounter = "genimpute.counter.v1"

	// TypeArchive identifies packaged region archive records.
	TypeArchive = "genimpute.archive.v1"

	// TypeError identifies error records.
	TypeError = "genimpute.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "genimpute.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "genimpute.task.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID for this imputation run.
	RunID string `json:"run_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// Task phases.
const (
	PhaseBegin  = "begin"
	PhaseUpdate = "update"
	PhaseEnd    = "end"
	PhaseLog    = "log"
)

// TaskRecord is the data payload for task progress.
type TaskRecord struct {
	Phase string `json:"phase"`

	// Name is set on begin records.
	Name string `json:"name,omitempty"`

	Message string `json:"message,omitempty"`

	// Status is one of "ok", "running", "error". Empty on begin records.
	Status string `json:"status,omitempty"`
}

// JobRecord is the data payload for one region's job state change.
type JobRecord struct {
	Region string `json:"region"`
	State  string `json:"state"`
	JobID  string `json:"job_id,omitempty"`
	Killed bool   `json:"killed,omitempty"`
}

// CounterRecord is the data payload for named counters submitted at the
// end of a run.
type CounterRecord struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

// ArchiveRecord is the data payload for one packaged region.
type ArchiveRecord struct {
	Region     string `json:"region"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	Encryption string `json:"encryption"`
	Indexed    bool   `json:"indexed,omitempty"`
}

// ErrorRecord is the data payload for errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Region is the region related to this error, if applicable.
	Region string `json:"region,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeConfig       = "CONFIG"
	ErrCodeJobFailed    = "JOB_FAILED"
	ErrCodeCancelled    = "CANCELLED"
	ErrCodeExport       = "EXPORT"
	ErrCodeNotification = "NOTIFICATION"
	ErrCodeInternal     = "INTERNAL"
)

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	// Verdict is "succeeded", "failed" or "cancelled".
	Verdict string `json:"verdict"`

	// FirstFailure is the region whose failure stopped the run.
	FirstFailure string `json:"first_failure,omitempty"`

	Regions   int `json:"regions"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
