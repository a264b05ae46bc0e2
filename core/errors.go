package core

import (
	"errors"
	"fmt"
)

// Code identifies a failure class for programmatic handling.
// User-facing messages carry the server's verbatim detail alongside the code.
type Code string

// Failure classes for generation orchestration.
const (
	CodeConnectionTimeout       Code = "CONNECTION_TIMEOUT"
	CodeConnectionError         Code = "CONNECTION_ERROR"
	CodeInvalidParameters       Code = "INVALID_PARAMETERS"
	CodeInvalidStageCombination Code = "INVALID_STAGE_COMBINATION"
	CodeAlreadyRunning          Code = "ALREADY_RUNNING"
	CodeExecutionError          Code = "EXECUTION_ERROR"
	CodeGenerationTimeout       Code = "GENERATION_TIMEOUT"
	CodeCancelled               Code = "CANCELLED"
	CodeUnknown                 Code = "UNKNOWN"
)

// GenError is the typed error carried across the orchestration subsystem.
//
// Field names the offending parameter for validation errors.
// ArtifactsLost marks the case where the server reported success but the
// artifacts could not be retrieved before the connection dropped.
type GenError struct {
	Code          Code
	Message       string
	Field         string
	ArtifactsLost bool
	Err           error
}

func (e *GenError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("%s: %s (field %q)", e.Code, e.Message, e.Field)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

func (e *GenError) Unwrap() error {
	return e.Err
}

// ErrConnectionTimeout reports a readiness deadline miss. Recoverable:
// callers may close and reconnect.
func ErrConnectionTimeout(message string) *GenError {
	return &GenError{Code: CodeConnectionTimeout, Message: message}
}

// ErrConnectionError reports a transport-level failure. Recoverable.
func ErrConnectionError(message string, err error) *GenError {
	return &GenError{Code: CodeConnectionError, Message: message, Err: err}
}

// ErrInvalidParameters reports a build-time validation failure for a
// single named field. Local and synchronous, never reaches the network.
func ErrInvalidParameters(field, message string) *GenError {
	return &GenError{Code: CodeInvalidParameters, Message: message, Field: field}
}

// ErrInvalidStageCombination reports an unsatisfiable optional-stage set.
func ErrInvalidStageCombination(message string) *GenError {
	return &GenError{Code: CodeInvalidStageCombination, Message: message}
}

// ErrAlreadyRunning reports a submit while another session is active.
// This is a caller contract violation, surfaced plainly rather than queued.
func ErrAlreadyRunning(sessionID string) *GenError {
	return &GenError{
		Code:    CodeAlreadyRunning,
		Message: fmt.Sprintf("a generation session is already active (session %s)", sessionID),
	}
}

// ErrExecutionError wraps a server-reported failure. The server message is
// passed through verbatim since it may contain actionable detail.
func ErrExecutionError(serverMessage string) *GenError {
	return &GenError{Code: CodeExecutionError, Message: serverMessage}
}

// ErrArtifactsLost reports a generation the server completed whose outputs
// could not be retrieved.
func ErrArtifactsLost(err error) *GenError {
	return &GenError{
		Code:          CodeExecutionError,
		Message:       "generation succeeded but artifacts could not be retrieved",
		ArtifactsLost: true,
		Err:           err,
	}
}

// ErrGenerationTimeout reports a completion deadline miss.
func ErrGenerationTimeout(message string) *GenError {
	return &GenError{Code: CodeGenerationTimeout, Message: message}
}

// ErrCancelled reports a user-initiated cancellation.
func ErrCancelled() *GenError {
	return &GenError{Code: CodeCancelled, Message: "generation cancelled by user"}
}

// ErrUnknown wraps an unexpected failure in the catch-all class.
func ErrUnknown(err error) *GenError {
	return &GenError{Code: CodeUnknown, Message: "unexpected failure", Err: err}
}

// CodeOf extracts the failure class from err, or CodeUnknown when err does
// not carry a GenError anywhere in its chain.
func CodeOf(err error) Code {
	var genErr *GenError
	if errors.As(err, &genErr) {
		return genErr.Code
	}
	return CodeUnknown
}

// IsCode reports whether err carries the given failure class.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
