package provisioner

import "errors"

// TransientError marks a failure that may succeed when retried, such as a
// dropped connection or a rate limit.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err so the engine retries it. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err carries a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ErrUnsupported is returned by a Finder or Checker that cannot answer for
// this backend or kind. The engine then behaves as if the interface were not
// implemented.
var ErrUnsupported = errors.New("not supported by backend")
