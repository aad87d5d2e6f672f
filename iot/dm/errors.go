package dm

import (
	"errors"
	"fmt"
	"net/http"
)

// MessageInsecureURI is the answer to update requests without secure transport
const MessageInsecureURI = "Invalid URL format. Must use secure transport."

var (
	// ErrRunInProgress is returned when another run holds the device's lease
	ErrRunInProgress = errors.New("a run is already in progress for this device")
	// ErrLeaseLost is returned when a run's lease expired or was taken over
	ErrLeaseLost = errors.New("lease expired or was taken over")
)

// ValidationError rejects a request before any state transition
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Code returns the HTTP-style status code for the invoking party
func (e *ValidationError) Code() int {
	return http.StatusBadRequest
}

// TransportError is the failure of a phase's actual work, fetching or applying the package
type TransportError struct {
	Phase   Phase
	Code    int
	Message string
}

func (e *TransportError) Error() string {
	if len(e.Phase) > 0 {
		return fmt.Sprintf("%s: %d %s", e.Phase, e.Code, e.Message)
	}
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// StatusError converts the error into the error of a status record
func (e *TransportError) StatusError() *StatusError {
	return &StatusError{Code: e.Code, Message: e.Message}
}

// ReportError is a failed write to the twin
type ReportError struct {
	Capability string
	Phase      Phase
	Err        error
}

func (e *ReportError) Error() string {
	if len(e.Phase) > 0 {
		return fmt.Sprintf("cannot report %s %s: %v", e.Capability, e.Phase, e.Err)
	}
	return fmt.Sprintf("cannot report %s: %v", e.Capability, e.Err)
}

func (e *ReportError) Unwrap() error {
	return e.Err
}

// asTransportError converts any work error into a TransportError of phase. Errors which
// are not transport errors get code 500, or 503 if the run was cancelled.
func asTransportError(err error, phase Phase, cancelled bool) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		converted := *te
		converted.Phase = phase
		return &converted
	}
	code := http.StatusInternalServerError
	if cancelled {
		code = http.StatusServiceUnavailable
	}
	return &TransportError{Phase: phase, Code: code, Message: err.Error()}
}
