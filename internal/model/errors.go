package model

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied means device access was refused. Terminal for the
	// attempt; the user has to start again.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrEngineUnsupported means no speech engine is available.
	ErrEngineUnsupported = errors.New("speech engine unsupported")
	// ErrEngineTransient covers recoverable engine conditions such as no-speech.
	ErrEngineTransient = errors.New("speech engine transient error")
	// ErrUpstream wraps failures calling the completion service.
	ErrUpstream = errors.New("upstream completion failed")
	// ErrParseFailed is matched by every NormalizationError of kind parse_failed.
	ErrParseFailed = errors.New("parse failed")
)

// InvalidRequestError reports a request rejected before any upstream call.
type InvalidRequestError struct {
	Message string
}

func (e *InvalidRequestError) Error() string { return e.Message }

// ErrInvalidRequest builds an InvalidRequestError.
func ErrInvalidRequest(message string) error {
	return &InvalidRequestError{Message: message}
}

// NormalizationError describes model output that could not be coerced into
// the expected shape. Text holds the offending input for diagnostics.
type NormalizationError struct {
	Kind  string
	Shape string
	Text  string
}

const KindParseFailed = "parse_failed"

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s: %s", e.Shape, e.Kind)
}

func (e *NormalizationError) Is(target error) bool {
	return target == ErrParseFailed && e.Kind == KindParseFailed
}

// Upstream marks err as a completion-service failure.
func Upstream(err error) error {
	if err == nil || errors.Is(err, ErrUpstream) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUpstream, err)
}
