package scheduler

import (
	"context"

	"github.com/3leaps/genimpute/pkg/jobunit"
)

// BackendState is the cluster backend's view of a submitted job.
type BackendState int

const (
	BackendPending BackendState = iota
	BackendRunning
	BackendSucceeded
	BackendFailed
	BackendKilled
)

func (s BackendState) String() string {
	switch s {
	case BackendPending:
		return "pending"
	case BackendRunning:
		return "running"
	case BackendSucceeded:
		return "succeeded"
	case BackendFailed:
		return "failed"
	case BackendKilled:
		return "killed"
	}
	return "unknown"
}

// Terminal reports whether the backend is done with the job.
func (s BackendState) Terminal() bool {
	return s == BackendSucceeded || s == BackendFailed || s == BackendKilled
}

// Handle identifies a submitted job on the backend.
type Handle struct {
	ID     string
	Region string
}

// Backend executes jobs on a cluster. Implementations must be safe for
// concurrent use. Submit is called from the supervising goroutine in input
// order; Poll and Kill from one goroutine per submitted job.
type Backend interface {
	Submit(ctx context.Context, unit jobunit.Unit) (Handle, error)
	Poll(ctx context.Context, h Handle) (BackendState, error)

	// Kill requests termination. The job counts as terminated once Poll
	// reports a terminal state.
	Kill(ctx context.Context, h Handle) error

	// FetchLogs copies the job's execution logs into destDir.
	FetchLogs(ctx context.Context, h Handle, destDir string) error
}

// Observer receives job lifecycle notifications. Calls may arrive from
// multiple goroutines.
//
// OnJobStart fires once a job was submitted. OnJobFinish fires for every
// job that reaches a terminal state after dispatch began for it, so a job
// whose submission failed gets OnJobFinish(region, false) without a
// preceding OnJobStart. Jobs killed while still waiting get neither.
type Observer interface {
	OnJobStart(region string)
	OnJobFinish(region string, success bool)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Start  func(region string)
	Finish func(region string, success bool)
}

func (o ObserverFuncs) OnJobStart(region string) {
	if o.Start != nil {
		o.Start(region)
	}
}

func (o ObserverFuncs) OnJobFinish(region string, success bool) {
	if o.Finish != nil {
		o.Finish(region, success)
	}
}
