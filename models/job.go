package models

import "time"

type JobKind string

const (
	KindSearch JobKind = "search"
	KindDetail JobKind = "detail"
	KindRetry  JobKind = "retry"
)

func (k JobKind) Valid() bool {
	switch k {
	case KindSearch, KindDetail, KindRetry:
		return true
	}
	return false
}

type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
)

// Job is one unit of queued work. For retry jobs OriginalKind names the kind
// whose handler actually runs.
type Job struct {
	ID           string          `json:"id"`
	Kind         JobKind         `json:"kind"`
	OriginalKind JobKind         `json:"originalKind,omitempty"`
	URL          string          `json:"url"`
	ListingID    string          `json:"listingId,omitempty"`
	Page         int             `json:"page,omitempty"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"maxAttempts"`
	RetryCount   int             `json:"retryCount,omitempty"`
	Backoff      []time.Duration `json:"backoff,omitempty"`
	Manual       bool            `json:"manual,omitempty"`
	Status       JobStatus       `json:"status"`
	LastError    string          `json:"lastError,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	RunAt        time.Time       `json:"runAt"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
}

func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// EffectiveKind is the kind whose handler processes the job.
func (j *Job) EffectiveKind() JobKind {
	if j.Kind == KindRetry && j.OriginalKind != "" {
		return j.OriginalKind
	}
	return j.Kind
}

// FailedJobRecord is the durable copy of a job that ran out of attempts.
type FailedJobRecord struct {
	ID         string    `json:"id"`
	JobID      string    `json:"jobId"`
	Kind       JobKind   `json:"kind"`
	URL        string    `json:"url"`
	ListingID  string    `json:"listingId,omitempty"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	RetryCount int       `json:"retryCount"`
	FailedAt   time.Time `json:"failedAt"`
}
