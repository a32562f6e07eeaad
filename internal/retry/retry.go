// Package retry wraps multi-step remote write sequences with reachability
// gating: while the network is down the sequence is not attempted at all,
// just re-checked after a fixed backoff, up to a bounded number of attempts.
//
// Step errors are not retried here — once reachable, the sequence runs once
// and any failure propagates to the caller, who decides whether to invoke
// the controller again. Local optimistic writes made before Execute are left
// in place on terminal failure; there is no rollback.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/loqui/chat-sync/internal/remote"
)

// Defaults for the reachability gate.
const (
	DefaultBackoff     = 3 * time.Second
	DefaultMaxAttempts = 5
)

// ErrTimeout is returned when the network stayed unreachable for every
// allowed attempt.
var ErrTimeout = errors.New("retry: reachability timeout")

// Controller gates write sequences on network reachability.
type Controller struct {
	Reach       remote.Reachability
	Backoff     time.Duration
	MaxAttempts int
}

// NewController returns a controller with the default backoff and attempt
// bound.
func NewController(reach remote.Reachability) *Controller {
	return &Controller{
		Reach:       reach,
		Backoff:     DefaultBackoff,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Execute waits for reachability, then runs the steps in order. An
// unreachable network is re-checked every Backoff until MaxAttempts is
// exhausted, which yields ErrTimeout. A step error aborts the remaining
// steps and propagates unchanged.
func (c *Controller) Execute(ctx context.Context, steps ...func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if attempt > c.MaxAttempts {
			return ErrTimeout
		}
		if c.Reach.Reachable() {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Backoff):
		}
	}

	for _, step := range steps {
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}
