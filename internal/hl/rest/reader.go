package rest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"hl-chat-trader/internal/metrics"

	"go.uber.org/zap"
)

// ErrRateLimitExceeded is returned once every retry attempt was rate limited.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	Factor    float64
	MaxJitter time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		BaseDelay: time.Second,
		Factor:    2,
		MaxJitter: time.Second,
	}
}

// Reader is the single chokepoint for info queries. It retries rate-limited
// requests sequentially with exponential backoff and jitter; every other
// error is returned on the first occurrence.
type Reader struct {
	next    InfoClient
	policy  RetryPolicy
	log     *zap.Logger
	retries metrics.Counter

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

func NewReader(next InfoClient, policy RetryPolicy, log *zap.Logger) *Reader {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultRetryPolicy()
	if policy.Attempts < 1 {
		policy.Attempts = def.Attempts
	}
	if policy.BaseDelay < 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.Factor < 1 {
		policy.Factor = def.Factor
	}
	return &Reader{
		next:    next,
		policy:  policy,
		log:     log,
		retries: metrics.NewNoop().InfoRateLimited,
		sleep:   sleepContext,
		jitter:  randomJitter,
	}
}

// SetRetryCounter counts every rate-limited attempt that is retried.
func (r *Reader) SetRetryCounter(c metrics.Counter) {
	if c != nil {
		r.retries = c
	}
}

func (r *Reader) Info(ctx context.Context, req any, out any) error {
	delay := r.policy.BaseDelay
	for attempt := 1; ; attempt++ {
		err := r.next.Info(ctx, req, out)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRateLimited) {
			return err
		}
		if attempt >= r.policy.Attempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrRateLimitExceeded, attempt, err)
		}
		wait := delay + r.jitter(r.policy.MaxJitter)
		r.retries.Inc()
		r.log.Warn("info request rate limited, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
		)
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
		delay = time.Duration(float64(delay) * r.policy.Factor)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
