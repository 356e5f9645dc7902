package tools

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/likesync/likesync/logging"
)

// BreakerLister stops calling the lister after repeated failures and fails
// fast until the open timeout elapses. While open, ListLikes returns
// gobreaker.ErrOpenState, which callers handle like any listing failure.
type BreakerLister struct {
	next   LikesLister
	cb     *gobreaker.CircuitBreaker[[]string]
	logger zerolog.Logger
}

func NewBreakerLister(next LikesLister, failureThreshold uint32, openTimeout time.Duration) *BreakerLister {
	b := &BreakerLister{
		next:   next,
		logger: logging.Component("lister"),
	}

	b.cb = gobreaker.NewCircuitBreaker[[]string](gobreaker.Settings{
		Name:        "likes-lister",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
		// a cancelled caller says nothing about the lister's health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return b
}

func (b *BreakerLister) ListLikes(ctx context.Context, handle string) ([]string, error) {
	return b.cb.Execute(func() ([]string, error) {
		return b.next.ListLikes(ctx, handle)
	})
}

// State reports the breaker state for logs and health output.
func (b *BreakerLister) State() string {
	return b.cb.State().String()
}
