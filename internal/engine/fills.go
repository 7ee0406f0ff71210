package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bracketguard/internal/broker"
	"bracketguard/internal/domain"
	"bracketguard/internal/util"
)

// awaitFill polls an order until it reaches a final state or timeout
// expires. On timeout the order is cancelled and the cancel is confirmed,
// so the returned order's FilledQty is final; timedOut reports that path.
// A partial fill at cancel is returned like any other fill.
func awaitFill(ctx context.Context, e *env, o *domain.Order, interval, timeout time.Duration) (final *domain.Order, timedOut bool, err error) {
	if o.Status.IsTerminal() {
		return o, false, nil
	}

	last := o
	pollTerminal := func(ctx context.Context) (bool, error) {
		cur, err := e.getOrder(ctx, o.ID)
		if err != nil {
			return false, nil
		}
		last = cur
		return cur.Status.IsTerminal(), nil
	}

	err = util.Poll(ctx, interval, timeout, pollTerminal)
	if err == nil {
		return last, false, nil
	}
	if !errors.Is(err, util.ErrPollTimeout) && ctx.Err() == nil {
		return last, false, brokerError("await_fill", o.Symbol, err)
	}

	// Cancel even if ctx is done: an entry order must not outlive the
	// attempt that placed it.
	cctx := context.WithoutCancel(ctx)
	if cerr := e.cancel(cctx, o.ID); cerr != nil && !errors.Is(cerr, broker.ErrOrderNotFound) {
		e.log.Warn("cancel after fill timeout failed", "symbol", o.Symbol, "order_id", o.ID, "error", cerr)
	}
	if err := util.Poll(cctx, e.cfg.PollInterval, e.cfg.CancelTimeout, pollTerminal); err != nil {
		return last, true, opError("await_fill", o.Symbol, ErrBrokerTransient,
			fmt.Errorf("order %s not final after cancel (%s): %w", o.ID, last.Status, err))
	}
	return last, true, nil
}
