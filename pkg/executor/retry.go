package executor

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

type backoffConfig struct {
	base   time.Duration
	max    time.Duration
	jitter float64
}

// newBackOff returns an exponential backoff whose nth delay lies in
// [1-jitter, 1+jitter] * min(max, base*2^(n-1)). It never stops on its own;
// the retry budget and attempt cap bound the loop.
func (c backoffConfig) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.base,
		RandomizationFactor: c.jitter,
		Multiplier:          2,
		MaxInterval:         c.max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// retryState tracks one logical call.
type retryState struct {
	start       time.Time
	budget      time.Duration
	maxAttempts int
	attempts    int
	backoff     *backoff.ExponentialBackOff
}

func newRetryState(start time.Time, budget time.Duration, maxAttempts int, cfg backoffConfig) *retryState {
	return &retryState{
		start:       start,
		budget:      budget,
		maxAttempts: maxAttempts,
		backoff:     cfg.newBackOff(),
	}
}

func (s *retryState) elapsed(now time.Time) time.Duration {
	return now.Sub(s.start)
}

func (s *retryState) nextDelay() time.Duration {
	d := s.backoff.NextBackOff()
	if d == backoff.Stop || d < 0 {
		return 0
	}
	return d
}
