package client

import (
	"errors"
	"fmt"
)

// Stage names one step of the direct upload pipeline.
type Stage string

const (
	StageRegister Stage = "register"
	StageTransfer Stage = "transfer"
	StageConfirm  Stage = "confirm"
	StagePoster   Stage = "poster"
	StageCreate   Stage = "create"
)

// StageError wraps a failure with the pipeline stage it happened in, so
// callers can report which step of an upload went wrong.
type StageError struct {
	Err   error
	Stage Stage
}

func (e *StageError) Error() string {
	return fmt.Sprintf("upload stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// FailedStage extracts the pipeline stage from an error chain. Returns ""
// when the error did not come from a pipeline stage.
func FailedStage(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// APIError is a non-2xx response from a resource endpoint.
type APIError struct {
	Endpoint string
	Body     string
	Status   int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d: %s", e.Endpoint, e.Status, e.Body)
}

// IsAuthError reports whether the error chain contains a 401 or 403
// response, meaning the saved session is stale.
func IsAuthError(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status == 401 || ae.Status == 403
	}
	return false
}
