package models

import "time"

// JobState is the state of a translation job as seen by this client.
type JobState string

const (
	JobUnknown    JobState = "unknown"
	JobChecking   JobState = "checking"
	JobNotReady   JobState = "not_ready"
	JobTriggering JobState = "triggering"
	JobPolling    JobState = "polling"
	JobReady      JobState = "ready"
	JobFailed     JobState = "failed"
	JobTimedOut   JobState = "timed_out"
)

// Terminal reports whether no further polling can change the state.
func (s JobState) Terminal() bool {
	return s == JobReady || s == JobFailed || s == JobTimedOut
}

type ConversionJob struct {
	ModelID     string   `json:"modelId"`
	State       JobState `json:"state"`
	Progress    int      `json:"progress"`
	Stage       string   `json:"stage"`
	Message     string   `json:"message"`
	Attempt     int      `json:"attempt"`
	MaxAttempts int      `json:"maxAttempts"`
}

func NewConversionJob(modelID string, maxAttempts int) *ConversionJob {
	return &ConversionJob{
		ModelID:     modelID,
		State:       JobUnknown,
		MaxAttempts: maxAttempts,
	}
}

// Observe copies a status report into the job. Progress fields are only
// written while the job is being checked or polled.
func (j *ConversionJob) Observe(st TranslationStatus) {
	if j.State != JobChecking && j.State != JobPolling {
		return
	}
	j.Progress = clampProgress(st.Progress)
	if st.Stage != "" {
		j.Stage = st.Stage
	}
	if st.Message != "" {
		j.Message = st.Message
	}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// TranslationStatus is one answer from the translation status endpoint.
type TranslationStatus struct {
	State    JobState `json:"state"`
	Raw      string   `json:"status"`
	Progress int      `json:"progress"`
	Message  string   `json:"message,omitempty"`
	Stage    string   `json:"stage,omitempty"`
}

// TranslationRequest is the queue payload produced by the upload path.
type TranslationRequest struct {
	RequestID  string    `json:"requestId"`
	URN        string    `json:"urn"`
	ObjectKey  string    `json:"objectKey"`
	FileName   string    `json:"fileName"`
	RetryCount int       `json:"retryCount"`
	MaxRetries int       `json:"maxRetries"`
	CreatedAt  time.Time `json:"createdAt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// AccessToken is a short-lived viewer token.
type AccessToken struct {
	Token     string    `json:"access_token"`
	ExpiresIn int       `json:"expires_in"`
	ExpiresAt time.Time `json:"-"`
}
