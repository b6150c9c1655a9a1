package jobregistry

import (
	"time"

	"github.com/3leaps/genimpute/pkg/scheduler"
)

// JobState is the lifecycle state of a managed region job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type JobState string

const (
	JobStateQueued   JobState = "queued"
	JobStateRunning  JobState = "running"
	JobStateStopping JobState = "stopping"
	JobStateStopped  JobState = "stopped"
	JobStateSuccess  JobState = "success"
	JobStateFailed   JobState = "failed"
	JobStateUnknown  JobState = "unknown"
)

// Terminal reports whether the job can no longer change state.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateStopped, JobStateSuccess, JobStateFailed, JobStateUnknown:
		return true
	}
	return false
}

// BackendState maps a persisted state onto the scheduler's view. A job whose
// process vanished (unknown) counts as failed.
func (s JobState) BackendState() scheduler.BackendState {
	switch s {
	case JobStateQueued:
		return scheduler.BackendPending
	case JobStateRunning, JobStateStopping:
		return scheduler.BackendRunning
	case JobStateSuccess:
		return scheduler.BackendSucceeded
	case JobStateStopped:
		return scheduler.BackendKilled
	}
	return scheduler.BackendFailed
}

// JobRecord is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID     string    `json:"job_id"`
	Name      string    `json:"name,omitempty"`
	Region    string    `json:"region"`
	State     JobState  `json:"state"`
	SpecPath  string    `json:"spec_path"`
	Command   []string  `json:"command,omitempty"`
	PID       int       `json:"pid,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	StdoutPath    string     `json:"stdout_path,omitempty"`
	StderrPath    string     `json:"stderr_path,omitempty"`
}
