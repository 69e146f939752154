package bag

import "fmt"

// ValidationError rejects a candidate before any network call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransportError wraps a network or HTTP failure against the bag backend.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s failed (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PhotoResolutionError marks a failed photo sourcing or upload step. It is
// always swallowed by callers: an item proceeds without a photo.
type PhotoResolutionError struct {
	Source string // "user_photo", "captured_photo", "image_url"
	Err    error
}

func (e *PhotoResolutionError) Error() string {
	return fmt.Sprintf("photo resolution via %s failed: %v", e.Source, e.Err)
}

func (e *PhotoResolutionError) Unwrap() error { return e.Err }

// PartialBatchFailure reports a commit where some candidates failed. When
// Succeeded is zero nothing was created and the failure is blocking.
type PartialBatchFailure struct {
	Succeeded int
	Failed    int
	Causes    []error
}

func (e *PartialBatchFailure) Error() string {
	if e.Succeeded == 0 {
		return fmt.Sprintf("no items created, %d failed", e.Failed)
	}
	return fmt.Sprintf("%d items created, %d failed", e.Succeeded, e.Failed)
}

// Blocking reports whether the whole batch failed.
func (e *PartialBatchFailure) Blocking() bool { return e.Succeeded == 0 }

// OptimisticRollbackError records a provisional entry removed because the
// server rejected its creation.
type OptimisticRollbackError struct {
	TempID string
	Err    error
}

func (e *OptimisticRollbackError) Error() string {
	return fmt.Sprintf("provisional item %s rolled back: %v", e.TempID, e.Err)
}

func (e *OptimisticRollbackError) Unwrap() error { return e.Err }
