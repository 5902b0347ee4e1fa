package apperror

// Outcome is the closed set of result tags callers must handle.
type Outcome string

const (
	OutcomeOK       Outcome = "OK"
	OutcomeConflict Outcome = "CONFLICT"
	OutcomeTimeout  Outcome = "TIMEOUT"
	OutcomeFatal    Outcome = "FATAL"
)

// OutcomeOf classifies err. Validation and conflict errors are both
// conflicts from the caller's point of view: the request cannot proceed as
// sent. Storage and inconsistency failures are fatal for the request.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	switch KindOf(err) {
	case KindValidation, KindConflict:
		return OutcomeConflict
	case KindTimeout:
		return OutcomeTimeout
	default:
		return OutcomeFatal
	}
}
