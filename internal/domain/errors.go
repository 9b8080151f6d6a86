package domain

import "errors"

// Sentinel errors shared across components. Callers match with
// errors.Is; the API layer maps them onto HTTP status codes.
var (
	// ErrInvalidInput marks a malformed or out-of-range input that was
	// rejected before ingestion.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStaleSignal marks an observation older than the stored log by
	// more than the configured skew tolerance. Recoverable: logged and
	// dropped, never ingested.
	ErrStaleSignal = errors.New("stale signal")

	// ErrDuplicateSignal marks a (studentId, kind, observedAt) replay.
	// Ingestion is idempotent, so duplicates are reported as no-ops.
	ErrDuplicateSignal = errors.New("duplicate signal")

	// ErrInvalidTransition marks a lifecycle transition outside the
	// state machine's edges. State is left unchanged.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrCaseResolved marks an acknowledgment submitted against a case
	// that is already resolved.
	ErrCaseResolved = errors.New("case already resolved")

	// ErrNotFound marks a missing record.
	ErrNotFound = errors.New("record not found")
)
