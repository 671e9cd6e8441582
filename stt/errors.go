package stt

import "errors"

var (
	// ErrRecoverable marks failures that a new connection may get past:
	// dropped sockets, timeouts, an overloaded service.
	ErrRecoverable = errors.New("recoverable recognition error")

	// ErrFatal marks failures that will happen again on every attempt:
	// bad credentials, an audio format the service refuses.
	ErrFatal = errors.New("fatal recognition error")

	ErrClosed  = errors.New("session is closed for sending")
	ErrStarted = errors.New("session has already been run")
)

func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRecoverable)
}

func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// RetryableError classifies an underlying error. errors.Is matches it
// against both the underlying error and ErrRecoverable or ErrFatal.
type RetryableError struct {
	Underlying error
	Retryable  bool
	Message    string
}

func (e *RetryableError) Error() string {
	if e.Message != "" {
		if e.Underlying != nil {
			return e.Message + ": " + e.Underlying.Error()
		}
		return e.Message
	}
	if e.Underlying == nil {
		return "recognition error"
	}
	return e.Underlying.Error()
}

func (e *RetryableError) Unwrap() []error {
	class := ErrFatal
	if e.Retryable {
		class = ErrRecoverable
	}
	if e.Underlying == nil {
		return []error{class}
	}
	return []error{class, e.Underlying}
}

func NewRecoverableError(underlying error, message string) error {
	return &RetryableError{
		Underlying: underlying,
		Retryable:  true,
		Message:    message,
	}
}

func NewFatalError(underlying error, message string) error {
	return &RetryableError{
		Underlying: underlying,
		Retryable:  false,
		Message:    message,
	}
}
