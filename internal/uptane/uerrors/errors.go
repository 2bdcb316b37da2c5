// Package uerrors defines the agent's typed error taxonomy:
// value-typed failures with a Kind and context-bearing message, compatible
// with errors.Is/errors.As.
package uerrors

import "fmt"

// Kind enumerates the transport, trust, target, and execution failures
// the verification and install pipelines raise.
type Kind string

const (
	KindMetadataFetchFailure Kind = "metadata_fetch_failure"
	KindSecurityException    Kind = "security_exception" // rollback
	KindExpiredMetadata      Kind = "expired_metadata"
	KindInvalidMetadata      Kind = "invalid_metadata"
	KindNonUniqueSignatures  Kind = "non_unique_signatures"
	KindIllegalThreshold     Kind = "illegal_threshold"
	KindUnmetThreshold       Kind = "unmet_threshold"
	KindBadKeyID             Kind = "bad_key_id"
	KindRootRotationError    Kind = "root_rotation_error"
	KindVersionMismatch      Kind = "version_mismatch"
	KindTargetHashMismatch   Kind = "target_hash_mismatch"
	KindOversizedTarget      Kind = "oversized_target"
	KindTargetContentMismatch Kind = "target_content_mismatch"
	KindTargetMismatch       Kind = "target_mismatch"
	KindBadEcuID             Kind = "bad_ecu_id"
	KindBadHardwareID        Kind = "bad_hardware_id"
	KindInvalidTarget        Kind = "invalid_target"
	KindLocallyAborted       Kind = "locally_aborted"
	KindInstallFailed        Kind = "install_failed"
	KindInternalError        Kind = "internal_error"
	KindOperationCancelled   Kind = "operation_cancelled"
	KindUnknown              Kind = "unknown"
)

// Error is a typed, context-bearing failure.
type Error struct {
	Kind    Kind
	Role    string // optional: the role or subject the error concerns, e.g. "Root", "Targets"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Role != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s(%s): %s: %v", e.Kind, e.Role, e.Message, e.Cause)
		}
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Role, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to the cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, uerrors.New(uerrors.KindExpiredMetadata, "", "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error.
func New(kind Kind, role, message string) *Error {
	return &Error{Kind: kind, Role: role, Message: message}
}

// Wrap builds an *Error that carries cause as its Unwrap target.
func Wrap(kind Kind, role, message string, cause error) *Error {
	return &Error{Kind: kind, Role: role, Message: message, Cause: cause}
}

// ExpiredMetadata is a convenience constructor for the frequently-raised
// "ExpiredMetadata(Role)" failure the verification pipeline raises.
func ExpiredMetadata(role string) *Error {
	return New(KindExpiredMetadata, role, "metadata has expired")
}

// RootRotationError wraps a root-rotation chain failure.
func RootRotationError(message string) *Error {
	return New(KindRootRotationError, "Root", message)
}

// VersionMismatch wraps a version-rule violation.
func VersionMismatch(role, message string) *Error {
	return New(KindVersionMismatch, role, message)
}
