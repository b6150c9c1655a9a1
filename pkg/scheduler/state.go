package scheduler

import "time"

// JobState is the lifecycle state of one region's job within a run.
//
// Transitions are monotonic: Waiting -> Running -> Succeeded|Failed, or
// Waiting -> Failed for jobs killed before dispatch.
type JobState int

const (
	Waiting JobState = iota
	Running
	Succeeded
	Failed
)

func (s JobState) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether s is Succeeded or Failed.
func (s JobState) Terminal() bool {
	return s == Succeeded || s == Failed
}

// MarshalText renders the state name in JSON and YAML output.
func (s JobState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// canTransition enforces the monotonic state order.
func (s JobState) canTransition(to JobState) bool {
	switch s {
	case Waiting:
		return to == Running || to == Failed
	case Running:
		return to == Succeeded || to == Failed
	}
	return false
}

// Verdict is the overall outcome of a run.
type Verdict int

const (
	VerdictSucceeded Verdict = iota
	VerdictFailed
	VerdictCancelled
)

func (v Verdict) String() string {
	switch v {
	case VerdictSucceeded:
		return "succeeded"
	case VerdictFailed:
		return "failed"
	case VerdictCancelled:
		return "cancelled"
	}
	return "unknown"
}

func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// RegionState is one row of a progress snapshot.
type RegionState struct {
	Region string   `json:"region"`
	State  JobState `json:"state"`
	JobID  string   `json:"job_id,omitempty"`

	// Killed is true when the job was failed by the cascade rather than by
	// its own outcome.
	Killed bool `json:"killed,omitempty"`

	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

// Result is returned by Run once every job is terminal.
type Result struct {
	Verdict Verdict `json:"verdict"`

	// FirstFailure is the region whose failure triggered the cascade. Empty
	// on success and on user cancellation.
	FirstFailure string `json:"first_failure,omitempty"`

	CancelRequested bool          `json:"cancel_requested"`
	States          []RegionState `json:"states"`
	Duration        time.Duration `json:"duration"`
}

// Succeeded reports whether the run delivered every region.
func (r *Result) Succeeded() bool {
	return r.Verdict == VerdictSucceeded
}
