package node

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"chainharness/internal/domain"
)

// pollInterval paces every wait loop in this package.
var pollInterval = time.Second

// WaitUntil evaluates cond at most once per poll interval until it returns
// true or timeout elapses. The first evaluation is immediate.
func WaitUntil(ctx context.Context, timeout time.Duration, cond func(context.Context) bool) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(pollInterval), 1)
	for {
		if err := limiter.Wait(waitCtx); err != nil {
			break
		}
		if cond(waitCtx) {
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return domain.NewDomainError("WaitUntil", domain.ErrTimeout, timeout.String())
}
