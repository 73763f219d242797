package settlement

import "errors"

var (
	ErrNotFound              = errors.New("settlement: bid or load not found")
	ErrValidation            = errors.New("settlement: invalid request")
	ErrAlreadySettled        = errors.New("settlement: load already settled")
	ErrBidNotPending         = errors.New("settlement: bid is not pending")
	ErrInvalidFinancials     = errors.New("settlement: fee computation failed")
	ErrTransient             = errors.New("settlement: transient store failure, retry")
	ErrInvariantViolation    = errors.New("settlement: invariant violated")
	ErrLoadCancelled         = errors.New("settlement: load is cancelled")
	ErrTransporterIneligible = errors.New("settlement: transporter is not active and verified")
)

// IsConflict reports whether err is a definitive business outcome rather
// than a failure.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadySettled) ||
		errors.Is(err, ErrBidNotPending) ||
		errors.Is(err, ErrLoadCancelled) ||
		errors.Is(err, ErrTransporterIneligible)
}

// IsRetryable reports whether the same request may be sent again.
func IsRetryable(err error) bool { return errors.Is(err, ErrTransient) }
