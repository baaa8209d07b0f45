package browser

import (
	"context"
	"errors"
	"fmt"
)

// ErrBrowserTimeout wraps any browser operation that ran out of time, so
// callers can distinguish slow pages from hard failures.
var ErrBrowserTimeout = errors.New("browser operation timed out")

// ErrNoSuchTab is returned for operations addressing a tab id that is not in
// the registry.
var ErrNoSuchTab = errors.New("no such tab")

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrBrowserTimeout, op)
	}
	return fmt.Errorf("%s: %w", op, err)
}
