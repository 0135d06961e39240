package engine

import "fmt"

// Precondition failure reasons, surfaced verbatim to API clients.
const (
	ReasonNotFullyCompleted = "must be 100% completed"
	ReasonNotSigned         = "must be signed before archiving"
	ReasonNotInProgress     = "task is not in progress"
)

// PreconditionFailedError reports an operation blocked by task state
// rather than by bad input. Maps to HTTP 412.
type PreconditionFailedError struct {
	Reason string
}

func (e PreconditionFailedError) Error() string { return e.Reason }

// ValidationError reports malformed or out-of-range input. Maps to
// HTTP 422.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
