package modelwire

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// FallbackAction is the caller's decision after a quota-driven fallback
// consultation.
type FallbackAction int

const (
	// FallbackSwitchModel continues retrying against Decision.Model with the
	// attempt counter and delay reset to their initial values.
	FallbackSwitchModel FallbackAction = iota
	// FallbackContinueRetry gives up on fallback and lets normal retry
	// proceed against the current model.
	FallbackContinueRetry
	// FallbackAbort stops immediately; the triggering error is returned.
	FallbackAbort
)

// FallbackDecision is returned by a FallbackFunc.
type FallbackDecision struct {
	Action FallbackAction
	Model  string // required when Action is FallbackSwitchModel
}

// FallbackFunc is consulted when quota pressure suggests switching to an
// alternate model. failedModel is the model the errors were observed on.
// A non-nil error from the callback is swallowed with a warning and normal
// retry proceeds.
type FallbackFunc func(ctx context.Context, failedModel string, err error) (FallbackDecision, error)

// RetryOptions configures RetryWithBackoff.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// ShouldRetry classifies an error as transient. Nil means the default
	// classification: 429s and 5xxs retry, everything else does not.
	ShouldRetry func(error) bool

	// OnRetry is invoked before each backoff sleep.
	OnRetry func(err error, attempt int, delay time.Duration)

	// AuthType gates model fallback: only interactive OAuth sessions are
	// eligible. Service-credential sessions never fall back.
	AuthType AuthType

	// Model is the active model name, reported to Fallback.
	Model string

	// Fallback, when set, is consulted on quota exhaustion or persistent
	// rate limiting.
	Fallback FallbackFunc

	Logger *slog.Logger

	// rng overrides the jitter source in tests.
	rng *rand.Rand
}

// StandardRetryOptions returns the default retry profile.
func StandardRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts:  6,
		InitialDelay: 3 * time.Second,
		MaxDelay:     32 * time.Second,
	}
}

// AggressiveRetryOptions returns the profile for operations that should hold
// on longer between attempts (overloaded endpoints, long-running turns).
func AggressiveRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts:  5,
		InitialDelay: 5 * time.Second,
		MaxDelay:     60 * time.Second,
	}
}

// delayForAttempt computes the pre-jitter delay after the k-th failed
// attempt (1-based): min(MaxDelay, InitialDelay * 2^(k-1)).
func (o RetryOptions) delayForAttempt(attempt int) time.Duration {
	d := o.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= o.MaxDelay {
			return o.MaxDelay
		}
	}
	if d > o.MaxDelay {
		return o.MaxDelay
	}
	return d
}

// jitter applies uniform +/-30% to d.
func (o RetryOptions) jitter(d time.Duration) time.Duration {
	var f float64
	if o.rng != nil {
		f = o.rng.Float64()
	} else {
		f = rand.Float64()
	}
	return time.Duration(float64(d) * (0.7 + 0.6*f))
}

func (o RetryOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// RetryWithBackoff runs op until it succeeds, exhausts the attempt budget,
// or hits a non-retryable error. The last error is returned unchanged.
//
// Quota-aware fallback: a premium or generic quota error, or two consecutive
// 429s, triggers the Fallback callback (OAuth sessions only). Switching
// models resets the attempt counter and delay; declining disables further
// fallback for this invocation; aborting returns the triggering error.
func RetryWithBackoff[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts RetryOptions) (T, error) {
	var zero T

	shouldRetry := opts.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsRetryable
	}
	log := opts.logger()

	attempt := 0
	consecutive429 := 0
	fallback := opts.Fallback
	model := opts.Model

	for {
		attempt++
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		if IsCancellation(err) || ctx.Err() != nil {
			return zero, err
		}
		if IsUnauthorized(err) {
			return zero, err
		}
		if IsTerminalQuota(err) {
			return zero, err
		}

		if IsRateLimit(err) {
			consecutive429++
		} else {
			consecutive429 = 0
		}

		if fallback != nil && opts.AuthType == AuthOAuthPersonal {
			if IsProQuota(err) || IsGenericQuota(err) || consecutive429 >= 2 {
				decision, fbErr := fallback(ctx, model, err)
				if fbErr != nil {
					log.Warn("model fallback callback failed, continuing retry",
						"model", model, "error", fbErr)
				} else {
					switch decision.Action {
					case FallbackSwitchModel:
						log.Warn("switching to fallback model",
							"from", model, "to", decision.Model)
						model = decision.Model
						attempt = 0
						consecutive429 = 0
						continue
					case FallbackContinueRetry:
						fallback = nil
					case FallbackAbort:
						return zero, err
					}
				}
			}
		}

		if !shouldRetry(err) || attempt >= opts.MaxAttempts {
			return zero, err
		}

		delay := opts.jitter(opts.delayForAttempt(attempt))
		if IsRateLimit(err) {
			log.Info("rate limited, backing off",
				"attempt", attempt, "delay", delay)
		} else {
			log.Warn("transient provider error, backing off",
				"attempt", attempt, "delay", delay, "error", err)
		}
		if opts.OnRetry != nil {
			opts.OnRetry(err, attempt, delay)
		}

		select {
		case <-ctx.Done():
			return zero, &CancelledError{APIError{Message: "retry interrupted", Cause: ctx.Err()}}
		case <-time.After(delay):
		}
	}
}
