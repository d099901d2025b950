package chartable

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound     = errors.New("chartable: not found")
	ErrInvalidInput = errors.New("chartable: invalid input")
	ErrUnauthorized = errors.New("chartable: unauthorized")
	ErrUnexpected   = errors.New("chartable: unexpected error")

	// Lookup errors
	ErrUserNotFound    = errors.New("chartable: user not found")
	ErrProjectNotFound = errors.New("chartable: project not found")
	ErrDiagramNotFound = errors.New("chartable: diagram not found")
	ErrEventNotFound   = errors.New("chartable: processed event not found")
	ErrUserExists      = errors.New("chartable: user already exists")

	// Webhook errors
	ErrMissingSignature = errors.New("chartable: no signature found")
	ErrInvalidSignature = errors.New("chartable: webhook signature verification failed")
	ErrMalformedPayload = errors.New("chartable: malformed webhook payload")
	ErrMissingReference = errors.New("chartable: missing client reference id")
	ErrUnknownTier      = errors.New("chartable: purchase does not map to a known credit tier")

	// Credit errors
	ErrInvalidAmount = errors.New("chartable: credit amount must be positive")

	// Infrastructure errors
	ErrStorageUnavailable  = errors.New("chartable: storage unavailable")
	ErrProviderUnavailable = errors.New("chartable: payment provider unavailable")
)

// ValidationError represents a validation failure on a single field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("chartable: validation failed for %s: %s", e.Field, e.Message)
}

// Is lets errors.Is(err, ErrInvalidInput) match any ValidationError.
func (e ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrProjectNotFound) ||
		errors.Is(err, ErrDiagramNotFound) ||
		errors.Is(err, ErrEventNotFound)
}

// IsClientError returns true if the caller sent something that will never
// succeed as is. Webhook senders should not retry these.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrMissingSignature) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrMissingReference) ||
		errors.Is(err, ErrInvalidAmount)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrProviderUnavailable)
}

// isKnown reports whether err already carries a Chartable classification.
func isKnown(err error) bool {
	return IsNotFound(err) || IsClientError(err) || IsRetryable(err) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrUnknownTier) ||
		errors.Is(err, ErrUserExists) ||
		errors.Is(err, ErrUnexpected)
}

// storageError classifies a raw backend error as ErrStorageUnavailable
// while keeping the original in the chain.
func storageError(op string, err error) error {
	if err == nil || isKnown(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
