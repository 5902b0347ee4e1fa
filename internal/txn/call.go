package txn

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// errCallTimeout marks a callback that did not return within its bound.
var errCallTimeout = errors.New("call timed out")

// callWithTimeout runs fn with a deadline of d.  The caller stops waiting
// at the deadline; fn may still finish later, and its result is dropped.
func callWithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	if fn == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(cctx)
	}()

	select {
	case err := <-done:
		if err != nil && timedOut(ctx, cctx) {
			return errCallTimeout
		}
		return err
	case <-cctx.Done():
		if timedOut(ctx, cctx) {
			return errCallTimeout
		}
		return cctx.Err()
	}
}

// timedOut reports whether cctx ended on its own deadline rather than
// because the parent was cancelled.
func timedOut(parent, cctx context.Context) bool {
	return parent.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded)
}
