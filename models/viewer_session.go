package models

import "time"

// SessionState is the orchestrator state for one viewer session.
type SessionState string

const (
	SessionIdle            SessionState = "idle"
	SessionCheckingStatus  SessionState = "checking_status"
	SessionTriggering      SessionState = "triggering"
	SessionPolling         SessionState = "polling"
	SessionFetchingToken   SessionState = "fetching_token"
	SessionBootstrapping   SessionState = "bootstrapping"
	SessionLoadingDocument SessionState = "loading_document"
	SessionComplete        SessionState = "complete"
	SessionFailed          SessionState = "failed"
	SessionTimedOut        SessionState = "timed_out"
)

func (s SessionState) Terminal() bool {
	return s == SessionComplete || s == SessionFailed || s == SessionTimedOut
}

// ViewerSession describes one mount of the viewer. The live handle is
// owned by viewer.Session.
type ViewerSession struct {
	URN         string    `json:"urn"`
	Container   string    `json:"container"`
	AccessToken string    `json:"-"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Status is the stage/progress/message triple surfaced to callers.
type Status struct {
	State    SessionState `json:"state"`
	Stage    string       `json:"stage"`
	Progress int          `json:"progress"`
	Message  string       `json:"message"`
	At       time.Time    `json:"at"`
}
