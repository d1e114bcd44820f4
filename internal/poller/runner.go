// internal/poller/runner.go
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/tamzrod/modbus-bridge/internal/faults"
)

// Run connects, then polls on every tick and emits each PollResult on out.
// A fatal poll result triggers a reconnect before the next tick. Run returns
// when ctx is done, the engine is stopped or the transport gives up
// reconnecting. After Stop it returns an error wrapping faults.ErrClosed.
func (e *Engine) Run(ctx context.Context, interval time.Duration, out chan<- PollResult) error {
	if err := e.tr.ConnectWithRetry(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if e.stopped.Load() {
			return errStopped
		}

		res := e.Poll(ctx)
		if e.stopped.Load() {
			return errStopped
		}
		if out != nil {
			select {
			case out <- res:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if res.Err != nil {
			if err := e.reconnect(ctx); err != nil {
				return err
			}
		}
	}
}

var errStopped = fmt.Errorf("poller: %w: engine stopped", faults.ErrClosed)

func (e *Engine) reconnect(ctx context.Context) error {
	e.setState(Reconnecting)
	e.log.Info().Msg("reconnecting")
	if err := e.tr.Reconnect(ctx); err != nil {
		return err
	}
	e.setState(Idle)
	return nil
}
