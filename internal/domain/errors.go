package domain

import (
	"context"
	"errors"
)

// Error taxonomy for the assessment pipeline. Per-unit failures are contained
// and classified into CriterionResult details; only attempt-level failures
// propagate to the caller.
var (
	// ErrNotFound indicates a missing definition, tenant account, or object.
	// Fatal to the attempt.
	ErrNotFound = errors.New("not found")

	// ErrIntegrity indicates a check unit whose content hash does not match
	// the definition. The unit is never executed.
	ErrIntegrity = errors.New("integrity mismatch")

	// ErrPolicyViolation indicates a check unit that references deny-listed
	// capabilities or fails manifest validation. The unit is never executed.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrAccessDenied indicates the tenant has not granted the delegation
	// trust relationship. Not retryable.
	ErrAccessDenied = errors.New("access denied")

	// ErrThrottled indicates the delegation authority rate-limited issuance.
	// Retried with jittered backoff by the caller.
	ErrThrottled = errors.New("throttled")

	// ErrResourceExceeded indicates a unit breached its memory or CPU
	// ceiling. Contained to that unit.
	ErrResourceExceeded = errors.New("resource limit exceeded")

	// ErrTimeout indicates a unit exceeded its wall-clock budget. Contained.
	ErrTimeout = errors.New("timeout")

	// ErrTransient indicates the object store or registry was unreachable.
	// Retried with backoff, then fatal.
	ErrTransient = errors.New("transient infrastructure error")

	// ErrCredentialSpent indicates a delegated credential was used after its
	// owning attempt reached a terminal state.
	ErrCredentialSpent = errors.New("credential released")

	// ErrCheckFault indicates the check itself crashed. Contained.
	ErrCheckFault = errors.New("check fault")
)

// Error codes recorded in CriterionResult details under the "error" key.
const (
	CodeTimeout          = "timeout"
	CodeResourceExceeded = "resource_exceeded"
	CodePanic            = "check_fault"
	CodeIntegrity        = "integrity_mismatch"
	CodePolicyViolation  = "policy_violation"
	CodeUnitError        = "check_error"
	CodeNotFound         = "not_found"
)

// Classify maps an execution error to the stable code stored in result
// details. Unknown errors classify as a generic check error so a hostile
// unit cannot smuggle arbitrary strings into the reason field.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeTimeout
	case errors.Is(err, ErrResourceExceeded):
		return CodeResourceExceeded
	case errors.Is(err, ErrCheckFault):
		return CodePanic
	case errors.Is(err, ErrIntegrity):
		return CodeIntegrity
	case errors.Is(err, ErrPolicyViolation):
		return CodePolicyViolation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	default:
		return CodeUnitError
	}
}

// Retryable reports whether an error is worth another attempt with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrTransient)
}
