// Package retry re-runs operations that lost an optimistic-concurrency race.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Policy defines when and how often a failed operation is re-run.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// 0 means no limit.
	MaxAttempts int

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval is the maximum delay between retries.
	MaxInterval time.Duration

	// Multiplier is the factor by which the interval increases.
	Multiplier float64

	// RandomizationFactor adds jitter to the delay.
	// A value of 0.5 means the actual delay will be within [delay * 0.5, delay * 1.5].
	RandomizationFactor float64

	// RetryOn limits retries to errors matching one of these with errors.Is.
	// Empty means every error is retried.
	RetryOn []error
}

// Conflicts retries up to maxAttempts times when err matches conflict, with
// a short jittered backoff.
func Conflicts(maxAttempts int, conflict error) *Policy {
	return &Policy{
		MaxAttempts:         maxAttempts,
		InitialInterval:     10 * time.Millisecond,
		MaxInterval:         500 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
		RetryOn:             []error{conflict},
	}
}

// NoRetry returns a policy that never retries.
func NoRetry() *Policy {
	return &Policy{MaxAttempts: 1}
}

// Fixed returns a policy with fixed delay between retries.
func Fixed(maxAttempts int, interval time.Duration) *Policy {
	return &Policy{
		MaxAttempts:     maxAttempts,
		InitialInterval: interval,
		MaxInterval:     interval,
		Multiplier:      1.0,
	}
}

// ShouldRetry reports whether another attempt follows attempts failed ones.
func (p *Policy) ShouldRetry(attempts int, err error) bool {
	if err == nil {
		return false
	}
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return false
	}
	if len(p.RetryOn) == 0 {
		return true
	}
	for _, target := range p.RetryOn {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// GetDelay calculates the delay before the next retry.
func (p *Policy) GetDelay(attempts int) time.Duration {
	if attempts <= 1 {
		return p.addJitter(p.InitialInterval)
	}
	delay := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempts-1))
	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}
	return p.addJitter(time.Duration(delay))
}

func (p *Policy) addJitter(delay time.Duration) time.Duration {
	if p.RandomizationFactor == 0 {
		return delay
	}
	factor := 1.0 + p.RandomizationFactor*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * factor)
}

// Do runs fn until it succeeds, the policy gives up, or ctx is done. A nil
// policy runs fn once. The last error is returned unchanged.
func Do(ctx context.Context, p *Policy, fn func(context.Context) error) error {
	for attempts := 1; ; attempts++ {
		err := fn(ctx)
		if p == nil || !p.ShouldRetry(attempts, err) {
			return err
		}
		timer := time.NewTimer(p.GetDelay(attempts))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
