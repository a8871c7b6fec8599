package api

import (
	"time"

	"venuescout/pkg/types"
)

// JobStatus captures the lifecycle stage of a research job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusRunning    JobStatus = "running"
	JobStatusCancelling JobStatus = "cancelling"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusFailed     JobStatus = "failed"
)

// Finished reports whether the job has reached a terminal state.
func (s JobStatus) Finished() bool {
	switch s {
	case JobStatusCompleted, JobStatusCancelled, JobStatusFailed:
		return true
	}
	return false
}

// JobSummary surfaces the state of one research job.
type JobSummary struct {
	JobID       string            `json:"job_id"`
	Kind        types.SubjectKind `json:"kind"`
	Subject     string            `json:"subject"`
	Source      string            `json:"source,omitempty"`
	Collection  string            `json:"collection,omitempty"`
	Status      JobStatus         `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Found       []string          `json:"found,omitempty"`
	Sources     int               `json:"sources"`
	Message     string            `json:"message,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// LaunchResponse is returned by the research launch endpoints.
type LaunchResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

// IntakeResponse is returned by the alerts intake endpoint.
type IntakeResponse struct {
	Status string        `json:"status"`
	Jobs   []IntakeLaunch `json:"jobs"`
}

// IntakeLaunch is one research job started from an alert article.
type IntakeLaunch struct {
	JobID   string `json:"job_id"`
	Subject string `json:"subject"`
	Source  string `json:"source"`
}
