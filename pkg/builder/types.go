package builder

import "time"

// Status represents the lifecycle state of a build.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Finished reports whether s is terminal.
func (s Status) Finished() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

// Build describes one contract build tracked by the builder service.
type Build struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	RunnerImage    string    `json:"runner_image"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	ArtifactName   string    `json:"artifact_name,omitempty"`
	ArtifactDigest string    `json:"artifact_digest,omitempty"`
	Message        string    `json:"message,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Completion carries the terminal fields of a build.
type Completion struct {
	Status         Status
	ArtifactName   string
	ArtifactDigest string
	Message        string
	Error          string
}
