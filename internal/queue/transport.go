package queue

import (
	"context"
	"errors"

	"github.com/tripwire/sentinel/internal/model"
)

// Transport delivers one alert. Implementations classify failures with
// Permanent or Temporary; an unclassified error is treated as recoverable.
type Transport interface {
	Send(ctx context.Context, a model.Alert) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, a model.Alert) error

func (f TransportFunc) Send(ctx context.Context, a model.Alert) error { return f(ctx, a) }

// TransportError is a classified delivery failure.
type TransportError struct {
	Err         error
	Recoverable bool
}

func (e *TransportError) Error() string {
	if e.Recoverable {
		return "temporary: " + e.Err.Error()
	}
	return "permanent: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Permanent marks err as non-recoverable; the alert fails immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Err: err}
}

// Temporary marks err as recoverable; the alert is retried with backoff.
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Err: err, Recoverable: true}
}

// IsRecoverable reports whether a delivery failure should be retried.
// Timeouts are always recoverable.
func IsRecoverable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Recoverable
	}
	return true
}
