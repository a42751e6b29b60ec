package transfer

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrSlowTransfer     = errors.New("transfer speed below minimum")
	ErrStalled          = errors.New("transfer stalled")
	ErrIncompleteRead   = errors.New("incomplete read")
	ErrShortBody        = errors.New("body shorter than declared size")
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// StatusError is an HTTP status the worker does not know how to continue from.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

// localError marks failures of the local filesystem, which retrying will not fix.
type localError struct {
	err error
}

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

func local(format string, err error) error {
	return &localError{err: fmt.Errorf(format, err)}
}

type retryPlan struct {
	delay       time.Duration
	destructive bool // the partial file must be removed first
}

func (w *Worker) classify(err error) (retryPlan, bool) {
	var se *StatusError
	var le *localError
	switch {
	case errors.As(err, &le):
		return retryPlan{}, false
	case errors.Is(err, ErrSlowTransfer):
		return retryPlan{delay: w.opts.SlowBackoff}, true
	case errors.Is(err, ErrIncompleteRead):
		return retryPlan{delay: w.opts.RetryBackoff, destructive: true}, true
	case errors.As(err, &se):
		return retryPlan{delay: w.opts.RetryBackoff}, se.Temporary()
	default:
		// Transport errors, stalls and short bodies resume from the file.
		return retryPlan{delay: w.opts.RetryBackoff}, true
	}
}
