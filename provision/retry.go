package provision

import (
	"context"
	"math"
	mrand "math/rand/v2"
	"time"
)

const maxShift = 62

// RetryPolicy controls the delay before a failed provisioning attempt is
// retried. The zero value retries immediately. There is never an attempt
// cap: a caller that wants bounded retries must track attempts itself.
type RetryPolicy struct {
	// Base is the delay after the first failure; it doubles for every
	// consecutive failure.
	Base time.Duration `yaml:"base"`
	// Max caps the delay. Zero means uncapped.
	Max time.Duration `yaml:"max"`
	// Jitter draws the delay uniformly from [0, delay).
	Jitter bool `yaml:"jitter"`
}

// Delay returns the wait before retry number failures (1-based count of
// consecutive failures).
func (p RetryPolicy) Delay(failures int) time.Duration {
	if p.Base <= 0 || failures <= 0 {
		return 0
	}
	d := exponential(p.Base, failures-1)
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if p.Jitter && d > 0 {
		d = time.Duration(mrand.Int64N(int64(d)))
	}
	return d
}

func exponential(base time.Duration, attempt int) time.Duration {
	if attempt > maxShift {
		attempt = maxShift
	}
	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(base) * multiplier)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
