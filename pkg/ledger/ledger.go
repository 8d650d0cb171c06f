// Package ledger persists backup and restore jobs and schedule definitions.
//
// Two backends exist: a JSON file for single-host installs and a MySQL
// database accessed through gorm. Both reject status changes the job state
// machine does not allow.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/supporttools/GoDBGuard/pkg/database/common"
	"github.com/supporttools/GoDBGuard/pkg/fault"
)

// JobKind distinguishes backup and restore jobs
type JobKind string

const (
	KindBackup  JobKind = "backup"
	KindRestore JobKind = "restore"
)

// JobStatus is a state of the job state machine
type JobStatus string

const (
	StatusPending           JobStatus = "pending"
	StatusRunning           JobStatus = "running"
	StatusSucceeded         JobStatus = "succeeded"
	StatusFailed            JobStatus = "failed"
	StatusRetrying          JobStatus = "retrying"
	StatusFailedPermanently JobStatus = "failed_permanently"
	StatusCancelled         JobStatus = "cancelled"
)

// ParseStatus validates a status name
func ParseStatus(s string) (JobStatus, error) {
	switch st := JobStatus(s); st {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed,
		StatusRetrying, StatusFailedPermanently, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Terminal reports whether no further transition is possible
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailedPermanently || s == StatusCancelled
}

var transitions = map[JobStatus][]JobStatus{
	StatusPending:  {StatusRunning, StatusCancelled},
	StatusRunning:  {StatusSucceeded, StatusFailed, StatusCancelled},
	StatusFailed:   {StatusRetrying, StatusFailedPermanently},
	StatusRetrying: {StatusRunning, StatusCancelled},
}

// CanTransition reports whether the state machine has an edge from -> to.
// The attempt bound on Failed -> Retrying is checked by Job.Transition.
func CanTransition(from, to JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	// ErrNotFound is returned for unknown job or schedule IDs
	ErrNotFound = errors.New("not found")
	// ErrIllegalTransition is returned when a status change is not allowed
	ErrIllegalTransition = errors.New("illegal job status transition")
	// ErrDuplicateName is returned when a schedule name is already taken
	ErrDuplicateName = errors.New("schedule name already exists")
)

// Job is one backup or restore run, including its retry state
type Job struct {
	ID          string                `json:"id"`
	Kind        JobKind               `json:"kind"`
	Target      common.DatabaseTarget `json:"target"`
	Status      JobStatus             `json:"status"`
	CreatedAt   time.Time             `json:"createdAt"`
	StartedAt   *time.Time            `json:"startedAt,omitempty"`
	FinishedAt  *time.Time            `json:"finishedAt,omitempty"`
	ArtifactID  string                `json:"artifactId,omitempty"`
	Attempt     int                   `json:"attempt"`
	MaxAttempts int                   `json:"maxAttempts"`
	LastError   string                `json:"lastError,omitempty"`
	ErrorKind   fault.Kind            `json:"errorKind,omitempty"`

	NextAttemptAt *time.Time    `json:"nextAttemptAt,omitempty"`
	BackoffDelay  time.Duration `json:"backoffDelay,omitempty"`
	ScheduleID    string        `json:"scheduleId,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Transition moves the job to status to, maintaining timestamps and the
// attempt counter
func (j *Job) Transition(to JobStatus, now time.Time) error {
	from := j.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	if from == StatusFailed && to == StatusRetrying && j.Attempt >= j.MaxAttempts {
		return fmt.Errorf("%w: attempt %d of %d exhausted", ErrIllegalTransition, j.Attempt, j.MaxAttempts)
	}

	now = now.UTC()
	switch to {
	case StatusRunning:
		if from == StatusRetrying {
			j.Attempt++
		}
		j.StartedAt = &now
		j.FinishedAt = nil
		j.NextAttemptAt = nil
	case StatusFailed, StatusSucceeded, StatusFailedPermanently, StatusCancelled:
		if j.FinishedAt == nil || from == StatusRunning {
			j.FinishedAt = &now
		}
	}
	if to == StatusSucceeded {
		j.LastError = ""
		j.ErrorKind = ""
	}
	j.Status = to
	j.UpdatedAt = now
	return nil
}

// Fail records err on the job and moves it to Failed, or to Cancelled when
// the failure was an operator cancellation
func (j *Job) Fail(err error, now time.Time) error {
	kind := fault.KindOf(err)
	j.LastError = err.Error()
	j.ErrorKind = kind
	if kind == fault.CancelledByOperator {
		return j.Transition(StatusCancelled, now)
	}
	return j.Transition(StatusFailed, now)
}

// Clone returns a deep copy of j
func (j *Job) Clone() *Job {
	c := *j
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	c.NextAttemptAt = cloneTime(j.NextAttemptAt)
	return &c
}

// checkUpdate validates replacing stored with next
func checkUpdate(stored, next *Job) error {
	if stored.Status == next.Status {
		if stored.Status.Terminal() {
			return fmt.Errorf("%w: job %s is already %s", ErrIllegalTransition, stored.ID, stored.Status)
		}
		return nil
	}
	if !CanTransition(stored.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, stored.Status, next.Status)
	}
	if next.Status == StatusRetrying && stored.Attempt >= stored.MaxAttempts {
		return fmt.Errorf("%w: attempt %d of %d exhausted", ErrIllegalTransition, stored.Attempt, stored.MaxAttempts)
	}
	return nil
}

// ScheduleDefinition is a persisted recurring backup
type ScheduleDefinition struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"`
	Target          common.DatabaseTarget `json:"target"`
	Cron            string                `json:"cron"`
	Retention       int                   `json:"retention"`
	Enabled         bool                  `json:"enabled"`
	LastEvaluatedAt *time.Time            `json:"lastEvaluatedAt,omitempty"`
	CreatedAt       time.Time             `json:"createdAt"`
	UpdatedAt       time.Time             `json:"updatedAt"`
}

// Clone returns a deep copy of d
func (d *ScheduleDefinition) Clone() *ScheduleDefinition {
	c := *d
	c.LastEvaluatedAt = cloneTime(d.LastEvaluatedAt)
	return &c
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	Status     JobStatus
	Kind       JobKind
	TargetKey  string
	ScheduleID string
	Limit      int
}

func (f JobFilter) match(j *Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Kind != "" && j.Kind != f.Kind {
		return false
	}
	if f.TargetKey != "" && j.Target.Key() != f.TargetKey {
		return false
	}
	if f.ScheduleID != "" && j.ScheduleID != f.ScheduleID {
		return false
	}
	return true
}

// Ledger stores jobs and schedule definitions. Every method updates at most
// one record atomically.
type Ledger interface {
	// CreateJob stores a new job, assigning ID and CreatedAt when empty
	CreateJob(ctx context.Context, job *Job) error
	// SaveJob replaces a stored job. The status change must be legal.
	SaveJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	// ListJobs returns matching jobs, newest first
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)

	// SaveSchedule inserts or replaces a schedule. Names are unique.
	SaveSchedule(ctx context.Context, def *ScheduleDefinition) error
	// GetSchedule looks a schedule up by ID, then by name
	GetSchedule(ctx context.Context, ref string) (*ScheduleDefinition, error)
	ListSchedules(ctx context.Context) ([]*ScheduleDefinition, error)
	DeleteSchedule(ctx context.Context, id string) error
	// TouchSchedule sets LastEvaluatedAt
	TouchSchedule(ctx context.Context, id string, at time.Time) error

	Close() error
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
