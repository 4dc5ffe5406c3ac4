package models

import (
	"errors"
	"fmt"
)

var (
	ErrTransport        = errors.New("transport error")
	ErrTrigger          = errors.New("trigger error")
	ErrTimedOut         = errors.New("translation timed out")
	ErrConversionFailed = errors.New("translation failed")
	ErrAuth             = errors.New("auth error")
	ErrSDKLoad          = errors.New("viewer sdk load error")
	ErrViewerStart      = errors.New("viewer start error")
	ErrDocumentLoad     = errors.New("document load error")
	ErrNoViewables      = errors.New("no viewables in document")
)

// StageError is the error surfaced to callers. It names the stage that
// failed and unwraps to one of the sentinel kinds above.
type StageError struct {
	Stage   string
	Kind    error
	Message string
	Err     error
}

func NewStageError(stage string, kind error, msg string, cause error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Message: msg, Err: cause}
}

func (e *StageError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
