package pipeline_type

import "errors"

// Error taxonomy for the pipeline. Low confidence is deliberately absent:
// a low-confidence result drives escalation and is never surfaced as an
// error.
var (
	// ErrTransientCall marks a network/timeout failure that is retried.
	ErrTransientCall = errors.New("transient call failure")

	// ErrPermanentItem marks a work item failure that retrying cannot
	// fix, such as an undecodable payload. The item is failed
	// permanently without consuming its remaining attempts.
	ErrPermanentItem = errors.New("permanent item failure")

	// ErrValidationRejected marks a candidate product that failed
	// validation. The candidate is logged with its score breakdown and
	// discarded, never persisted.
	ErrValidationRejected = errors.New("candidate product rejected")
)
