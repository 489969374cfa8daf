package errorsx

import "errors"

// ErrInvalidState is returned when a lifecycle operation is called outside
// its valid phase. Callers reject the call; the pipeline itself is unharmed.
var ErrInvalidState = errors.New("invalid state")

// ErrDrainTimeout is reported when Stop gives up waiting for in-flight
// frames to flush.
var ErrDrainTimeout = errors.New("drain timeout")

// FatalError marks an error that must unwind to the pipeline manager and
// terminate the call. Anything not wrapped by Fatal is treated as
// recoverable at the stage boundary.
type FatalError struct {
	Err error
}

func (e FatalError) Error() string {
	if e.Err == nil {
		return "fatal"
	}
	return e.Err.Error()
}

func (e FatalError) Unwrap() error { return e.Err }

// Fatal marks err as unrecoverable. Nil stays nil; already-fatal errors are
// returned unchanged.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	if IsFatal(err) {
		return err
	}
	return FatalError{Err: err}
}

// IsFatal reports whether err (or anything it wraps) is marked fatal.
func IsFatal(err error) bool {
	var fe FatalError
	return errors.As(err, &fe)
}
