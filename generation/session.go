package generation

import (
	"fmt"
	"time"

	"imageflow/comfy"
	"imageflow/pipeline"
)

// Status is the lifecycle state of a generation session.
type Status int

// Session states. Reserved is the window between claiming the single
// active slot and the server accepting the pipeline; a session that fails
// before submission never leaves it. The last four states are terminal.
const (
	StatusReserved Status = iota
	StatusSubmitted
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusCancelled
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusReserved:
		return "reserved"
	case StatusSubmitted:
		return "submitted"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether the session has reached a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Progress is the sampling progress reported by the server.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Snapshot is a point-in-time copy of a session, safe to hold after the
// session moves on.
type Snapshot struct {
	ID         string
	PromptID   string
	Status     Status
	Progress   Progress
	Err        error
	Artifacts  []comfy.Artifact
	StartedAt  time.Time
	FinishedAt time.Time
}

// session is the controller's internal record of the active generation.
// All fields are guarded by the controller mutex.
type session struct {
	id       string
	pipeline *pipeline.Pipeline
	promptID string
	status   Status
	progress Progress
	err      error

	artifacts []comfy.Artifact

	startedAt  time.Time
	finishedAt time.Time

	// outcome carries the terminal result to the completion wait exactly
	// once; settled guards against a second send.
	outcome chan error
	settled bool
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		ID:         s.id,
		PromptID:   s.promptID,
		Status:     s.status,
		Progress:   s.progress,
		Err:        s.err,
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
	}
	if len(s.artifacts) > 0 {
		snap.Artifacts = make([]comfy.Artifact, len(s.artifacts))
		copy(snap.Artifacts, s.artifacts)
	}
	return snap
}

// settle moves the session to a terminal state and signals the completion
// wait. No-op once terminal: whichever outcome lands first wins, and late
// events are dropped.
func (s *session) settle(status Status, err error) {
	if s.status.Terminal() {
		return
	}
	s.status = status
	s.err = err
	s.finishedAt = time.Now()
	if !s.settled {
		s.settled = true
		s.outcome <- err
	}
}
