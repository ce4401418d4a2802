package updater

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy implements the network retry schedule of spec §4.6:
// "exponential backoff (base 1s, factor 2, cap 30s, jitter +/-20%), up
// to 6 attempts per range request", grounded on the teacher's doubling
// backoff in pkg/ctxlock/v2/ctxlock.go, generalised with a jitter band
// and an explicit attempt cap.
type RetryPolicy struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int

	// Jitter overrides the default +/-20% random jitter; tests set this
	// to a deterministic function.
	Jitter func(time.Duration) time.Duration
}

// DefaultRetryPolicy returns the policy mandated by spec §4.6.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        time.Second,
		Factor:      2,
		Cap:         30 * time.Second,
		MaxAttempts: 6,
	}
}

func (p RetryPolicy) jitter(d time.Duration) time.Duration {
	if p.Jitter != nil {
		return p.Jitter(d)
	}
	delta := float64(d) * 0.2
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}

// Delay returns the backoff delay before the given 1-indexed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	raw := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	d := time.Duration(raw)
	if d > p.Cap {
		d = p.Cap
	}
	return p.jitter(d)
}

// sleep waits for the given attempt's backoff delay, or returns false if
// ctx ends first (spec §5: "cancellation is a single signal... in-flight
// range requests are aborted").
func sleep(ctx context.Context, policy RetryPolicy, attempt int) bool {
	t := time.NewTimer(policy.Delay(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
