package jobs

import (
	"time"

	"github.com/paulgrammer/forge/internal/workspace"
)

type JobStatus string

// Wire values match what existing clients poll for.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusFetching  JobStatus = "cloning"
	JobStatusBuilding  JobStatus = "building"
	JobStatusSucceeded JobStatus = "success"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

func (s JobStatus) rank() int {
	switch s {
	case JobStatusQueued:
		return 0
	case JobStatusFetching:
		return 1
	case JobStatusBuilding:
		return 2
	case JobStatusSucceeded, JobStatusFailed:
		return 3
	}
	return -1
}

// SubmitRequest is what the gateway hands to Submit. Credential and
// WebhookURL never reach the registry.
type SubmitRequest struct {
	Source     string
	Revision   string
	Credential *workspace.Credential
	WebhookURL string
}

// Job is the registry record and the status view returned to callers.
type Job struct {
	ID          string     `json:"id"`
	Source      string     `json:"repo"`
	Revision    string     `json:"branch"`
	Status      JobStatus  `json:"status"`
	Message     string     `json:"message,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	ArtifactRef string     `json:"artifact_name,omitempty"`
}
