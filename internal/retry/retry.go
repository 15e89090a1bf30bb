package retry

import (
	"context"
	"time"

	"claimdrop/internal/claimerr"
	"claimdrop/internal/log"
)

type Config struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

var Defaults = Config{
	MaxAttempts:       3,
	InitialBackoff:    500 * time.Millisecond,
	MaxBackoff:        5 * time.Second,
	BackoffMultiplier: 2,
}

// Retry re-runs operations that fail with a retryable error.
type Retry struct {
	conf Config
	// Observe, when set, is told "retry", "success" or "failed" per outcome.
	Observe func(result string)
}

func New(conf Config) *Retry {
	if conf.MaxAttempts <= 0 {
		conf.MaxAttempts = Defaults.MaxAttempts
	}
	if conf.InitialBackoff <= 0 {
		conf.InitialBackoff = Defaults.InitialBackoff
	}
	if conf.MaxBackoff <= 0 {
		conf.MaxBackoff = Defaults.MaxBackoff
	}
	if conf.BackoffMultiplier < 1 {
		conf.BackoffMultiplier = 1
	}
	return &Retry{conf: conf}
}

// Do invokes fn until it succeeds, returns a non-retryable error, or the
// attempt budget runs out.
func (r *Retry) Do(ctx context.Context, op string, fn func(attempt int) error) error {
	backoff := r.conf.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				r.observe("success")
			}
			return nil
		}
		if !claimerr.Retryable(err) || attempt >= r.conf.MaxAttempts {
			if attempt > 1 {
				r.observe("failed")
			}
			return err
		}
		r.observe("retry")
		log.L(ctx).Warnf("%s failed (attempt=%d), retrying in %s: %s", op, attempt, backoff, err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return claimerr.Wrap(claimerr.KindNetwork, ctx.Err(), "%s cancelled while retrying", op)
		}

		backoff = time.Duration(float64(backoff) * r.conf.BackoffMultiplier)
		if backoff > r.conf.MaxBackoff {
			backoff = r.conf.MaxBackoff
		}
	}
}

func (r *Retry) observe(result string) {
	if r.Observe != nil {
		r.Observe(result)
	}
}
