package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dlchats/accounts-bridge/internal/biz/domain"
)

type callResult[T any] struct {
	val T
	err error
}

// callWithTimeout races fn against a timer of d. The automation surface does
// not support cancellation, so a call that loses the race keeps running and
// its result is discarded.
func callWithTimeout[T any](ctx context.Context, op string, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan callResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("op", op).Interface("panic", r).Msg("Recovered panic in automation call")
				done <- callResult[T]{err: fmt.Errorf("%s panicked: %v", op, r)}
			}
		}()
		v, err := fn(callCtx)
		done <- callResult[T]{val: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, &domain.FetchTimeout{Op: op, After: d}
		}
		return res.val, res.err
	case <-timer.C:
		return zero, &domain.FetchTimeout{Op: op, After: d}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
