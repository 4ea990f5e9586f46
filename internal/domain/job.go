package domain

import (
	"strings"
	"time"
)

// JobKind identifies what a job runs.
type JobKind string

const (
	KindAdHoc         JobKind = "ad-hoc"
	KindPlaybook      JobKind = "playbook"
	KindInventoryList JobKind = "inventory-list"
	KindHostList      JobKind = "host-list"
	KindPing          JobKind = "ping"
	KindSyntaxCheck   JobKind = "syntax-check"
	KindVersion       JobKind = "version"
)

// JobKinds lists every supported kind in display order.
var JobKinds = []JobKind{
	KindAdHoc, KindPlaybook, KindInventoryList, KindHostList, KindPing, KindSyntaxCheck, KindVersion,
}

// Valid reports whether k is a known kind.
func (k JobKind) Valid() bool {
	for _, known := range JobKinds {
		if k == known {
			return true
		}
	}
	return false
}

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobQueued    JobState = "Queued"
	JobRunning   JobState = "Running"
	JobSucceeded JobState = "Succeeded"
	JobFailed    JobState = "Failed"
	JobCancelled JobState = "Cancelled"
	JobTimedOut  JobState = "TimedOut"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled, JobTimedOut:
		return true
	}
	return false
}

// legalTransitions lists the allowed edges of the job state machine.
// Queued may fail or be cancelled before it ever receives a slot.
var legalTransitions = map[JobState][]JobState{
	JobQueued:  {JobRunning, JobCancelled, JobFailed},
	JobRunning: {JobSucceeded, JobFailed, JobCancelled, JobTimedOut},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to JobState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseJobState accepts a state name case-insensitively.
func ParseJobState(s string) (JobState, bool) {
	for _, st := range []JobState{JobQueued, JobRunning, JobSucceeded, JobFailed, JobCancelled, JobTimedOut} {
		if strings.EqualFold(string(st), s) {
			return st, true
		}
	}
	return "", false
}

// Job is one execution of an external automation process.
type Job struct {
	ID          string        `json:"id"`
	Kind        JobKind       `json:"kind"`
	Argv        []string      `json:"argv"`
	State       JobState      `json:"state"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	ExitCode    *int          `json:"exit_code,omitempty"`
	OutputBytes int64         `json:"output_bytes"`
	Reason      string        `json:"reason,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// Summary returns the list view of the job.
func (j Job) Summary() JobSummary {
	return JobSummary{
		ID:          j.ID,
		Kind:        j.Kind,
		State:       j.State,
		CreatedAt:   j.CreatedAt,
		EndedAt:     j.EndedAt,
		ExitCode:    j.ExitCode,
		OutputBytes: j.OutputBytes,
	}
}

// JobSummary is the list view of a job.
type JobSummary struct {
	ID          string     `json:"id"`
	Kind        JobKind    `json:"kind"`
	State       JobState   `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	OutputBytes int64      `json:"output_bytes"`
}

// JobOutcome is the terminal marker delivered to stream subscribers.
type JobOutcome struct {
	State    JobState `json:"state"`
	ExitCode *int     `json:"exitCode"`
	Reason   string   `json:"reason,omitempty"`
}

// Outcome returns the terminal marker for j.
func (j Job) Outcome() JobOutcome {
	return JobOutcome{State: j.State, ExitCode: j.ExitCode, Reason: j.Reason}
}
