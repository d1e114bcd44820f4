// internal/faults/faults.go
package faults

import (
	"errors"
	"fmt"
)

// Usage and configuration errors. These are always surfaced to the caller.
var (
	ErrConfiguration       = errors.New("configuration error")
	ErrAddressNotMonitored = errors.New("address not monitored")
	ErrOutOfRange          = errors.New("value out of range")
	ErrUnsupportedType     = errors.New("unsupported type")
	ErrNotPolled           = errors.New("address not yet polled")
	ErrReadOnlyTable       = errors.New("table is read-only")
	ErrClosed              = errors.New("connection closed")
)

// TransportError tags a failed transport call as either fatal (the connection
// is gone and the caller must reconnect) or localized (only this range or
// register failed; the rest of the cycle can continue).
type TransportError struct {
	Op    string
	Fatal bool
	Err   error
}

func (e *TransportError) Error() string {
	kind := "localized"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("%s transport error: %s: %v", kind, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Fatal wraps err as a connection-level failure.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Fatal: true, Err: err}
}

// Localized wraps err as a failure scoped to one batch or address.
func Localized(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Fatal: false, Err: err}
}

// IsFatal reports whether err carries a fatal TransportError.
func IsFatal(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Fatal
	}
	return false
}

// IsLocalized reports whether err carries a localized TransportError.
func IsLocalized(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return !te.Fatal
	}
	return false
}

// Configf builds an ErrConfiguration with context.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
