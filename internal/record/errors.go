package record

import "errors"

// Error taxonomy shared across the engine. Callers test with errors.Is;
// lower layers wrap these with fmt.Errorf("...: %w", err) for context.
var (
	// ErrNotFound indicates the record or owner does not exist. Recoverable.
	ErrNotFound = errors.New("record not found")

	// ErrCorrupted indicates redundancy verification failed beyond repair.
	// The record is purged from its stage before this is returned.
	ErrCorrupted = errors.New("record corrupted beyond repair")

	// ErrAccessDenied indicates the caller's credentials do not satisfy the
	// envelope's access policy. Never retried automatically.
	ErrAccessDenied = errors.New("access denied")

	// ErrMalformedEnvelope indicates an envelope failed structural validation
	// after its bytes passed redundancy verification.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrCapacityFull indicates a stage is at capacity with no eviction
	// candidate. Surfaced, never silently dropped.
	ErrCapacityFull = errors.New("stage at capacity")

	// ErrTimeout indicates a bounded wait on a contended record or partition
	// expired. The caller may retry.
	ErrTimeout = errors.New("timed out waiting for record lock")
)
