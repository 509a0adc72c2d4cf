package providers

import (
	"errors"
	"fmt"

	"github.com/loomrun/loom/pkg/models"
)

// FailureKind classifies provider-side failures. The kinds are distinct
// because the caller's retry policy differs per kind: only a session resume
// failure is recovered (once, by forgetting the session); everything else
// propagates.
type FailureKind string

const (
	FailureInvocation        FailureKind = "invocation_failure"
	FailureTimeout           FailureKind = "timeout"
	FailureMalformedResponse FailureKind = "malformed_response"
	FailureSessionResume     FailureKind = "session_resume_failure"
)

// InvocationError wraps a provider failure with its classification.
type InvocationError struct {
	Kind     FailureKind
	Provider models.ProviderKind
	Err      error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s provider %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// NewInvocationError creates a classified provider failure.
func NewInvocationError(kind FailureKind, provider models.ProviderKind, err error) *InvocationError {
	return &InvocationError{
		Kind:     kind,
		Provider: provider,
		Err:      err,
	}
}

// KindOf extracts the failure kind, defaulting to invocation_failure for
// unclassified errors.
func KindOf(err error) FailureKind {
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return invErr.Kind
	}

	return FailureInvocation
}

// IsTimeout checks whether err is a provider timeout.
func IsTimeout(err error) bool {
	return KindOf(err) == FailureTimeout
}

// IsSessionResumeFailure checks whether the provider rejected a continuation
// request, e.g. because the session expired.
func IsSessionResumeFailure(err error) bool {
	return KindOf(err) == FailureSessionResume
}

// IsMalformedResponse checks whether the provider's output could not be
// parsed as the expected structured result.
func IsMalformedResponse(err error) bool {
	return KindOf(err) == FailureMalformedResponse
}
