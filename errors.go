package citadel

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's failure taxonomy. Callers should test
// with errors.Is; the structured types below carry the identifying detail.
var (
	// ErrNotFound indicates the secret id is unknown, hard-deleted, or the
	// requested version has been evicted from history.
	ErrNotFound = errors.New("secret not found")

	// ErrInactive indicates the secret exists but was soft-deleted.
	ErrInactive = errors.New("secret is inactive")

	// ErrAlreadyExists indicates a store attempt on an id with an active record.
	ErrAlreadyExists = errors.New("secret already exists")

	// ErrActorRequired indicates an operation was attempted without an actor.
	ErrActorRequired = errors.New("actor is required")

	// ErrAccessDenied indicates the resolved policy does not permit the action,
	// the policy reference is unknown, or policy resolution failed or timed out.
	ErrAccessDenied = errors.New("access denied")

	// ErrIntegrityViolation indicates the stored digest no longer matches the
	// persisted envelope. The record is preserved for investigation.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrDecryptionFailure indicates the envelope failed authenticated
	// decryption even though its digest verified.
	ErrDecryptionFailure = errors.New("decryption failure")

	// ErrStorageFailure indicates the persistence backend failed; for
	// mutations, no success was reported and memory was left untouched.
	ErrStorageFailure = errors.New("storage failure")

	// ErrInvalidInput indicates a malformed id, empty or oversized value, or
	// otherwise unusable argument.
	ErrInvalidInput = errors.New("invalid input")

	// ErrClosed indicates the engine has been shut down.
	ErrClosed = errors.New("engine is closed")
)

// NotFoundError identifies which secret (and optionally which version) was
// missing.
type NotFoundError struct {
	SecretID string
	Version  int // 0 when the whole record is missing
}

func (e *NotFoundError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("secret %q version %d not found", e.SecretID, e.Version)
	}
	return fmt.Sprintf("secret %q not found", e.SecretID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InactiveError identifies a soft-deleted secret rejected by an operation.
type InactiveError struct {
	SecretID string
}

func (e *InactiveError) Error() string {
	return fmt.Sprintf("secret %q is inactive", e.SecretID)
}

func (e *InactiveError) Is(target error) bool { return target == ErrInactive }

// AccessDeniedError carries the denial context: who tried what, under which
// policy, and the underlying resolver failure when there was one.
type AccessDeniedError struct {
	Actor  string
	Action string
	Policy string
	Cause  error
}

func (e *AccessDeniedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("access denied for %q on %s (policy %q): %v",
			e.Actor, e.Action, e.Policy, e.Cause)
	}
	return fmt.Sprintf("access denied for %q on %s (policy %q)",
		e.Actor, e.Action, e.Policy)
}

func (e *AccessDeniedError) Is(target error) bool { return target == ErrAccessDenied }

func (e *AccessDeniedError) Unwrap() error { return e.Cause }

// IntegrityError reports a digest mismatch on a stored envelope.
type IntegrityError struct {
	SecretID string
	Version  int
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on secret %q version %d: digest mismatch",
		e.SecretID, e.Version)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrityViolation }

// StorageError wraps a backend failure with the operation that hit it.
type StorageError struct {
	Op       string
	SecretID string
	Err      error
}

func (e *StorageError) Error() string {
	if e.SecretID != "" {
		return fmt.Sprintf("storage failure during %s of %q: %v", e.Op, e.SecretID, e.Err)
	}
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Is(target error) bool { return target == ErrStorageFailure }

func (e *StorageError) Unwrap() error { return e.Err }

// InputError reports which argument was rejected and why.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }
