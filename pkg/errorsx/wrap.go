package errorsx

import "errors"

// ReasonedError carries a stable reason code alongside the underlying
// error, so logs and metrics can classify failures without string
// matching.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error { return e.Err }

// Wrap tags err with a reason code. A nil error stays nil, and an error
// that already carries a reason keeps its original one.
func Wrap(err error, reason ReasonCode) error {
	switch {
	case err == nil:
		return nil
	case Reason(err) != ReasonUnknown:
		return err
	default:
		return ReasonedError{Err: err, Reason: reason}
	}
}

// Reason returns err's reason code, or ReasonUnknown when it has none.
func Reason(err error) ReasonCode {
	var re ReasonedError
	if err != nil && errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

// HasReason reports whether err carries the given reason code.
func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
