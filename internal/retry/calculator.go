package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy is the externally configurable backoff policy. An empty
// BaseSeconds and a non-positive MaxBackoffSeconds resolve to
// DefaultPolicy's values via withDefaults; a JitterFactor of 0 means no
// jitter, and only a negative one is replaced by the default.
type Policy struct {
	// BaseSeconds is the capped-exponential sequence indexed by attempts
	// (index clamped to the last entry). Defaults to [1,2,4,8,16,32].
	BaseSeconds []float64
	// JitterFactor is the uniform +/- fraction of the base applied per calculation.
	JitterFactor float64
	// MaxBackoffSeconds is a hard ceiling regardless of attempts or server hint.
	MaxBackoffSeconds float64
}

func DefaultPolicy() Policy {
	return Policy{
		BaseSeconds:       []float64{1, 2, 4, 8, 16, 32},
		JitterFactor:      0.1,
		MaxBackoffSeconds: 300,
	}
}

// PolicyFromBackoffSeconds builds a Policy from the engine's configured
// int-seconds table (config.BackoffConfig uses []int since fractional base
// delays aren't a real deployment need; Policy keeps []float64 internally
// for the jitter math).
func PolicyFromBackoffSeconds(baseSeconds []int, jitterFactor float64, maxBackoffSeconds int) Policy {
	base := make([]float64, len(baseSeconds))
	for i, s := range baseSeconds {
		base[i] = float64(s)
	}
	return Policy{
		BaseSeconds:       base,
		JitterFactor:      jitterFactor,
		MaxBackoffSeconds: float64(maxBackoffSeconds),
	}
}

func (p Policy) withDefaults() Policy {
	if len(p.BaseSeconds) == 0 {
		p.BaseSeconds = DefaultPolicy().BaseSeconds
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = DefaultPolicy().JitterFactor
	}
	if p.MaxBackoffSeconds <= 0 {
		p.MaxBackoffSeconds = DefaultPolicy().MaxBackoffSeconds
	}
	return p
}

// Calculator computes the delay before a failed step becomes retry-eligible
// again. Built on cenkalti/backoff/v5's ExponentialBackOff purely as the
// jittered-stepping engine: base delay comes from Policy.BaseSeconds, the
// authoritative table, and backoff/v5 supplies the uniform jitter via
// RandomizationFactor.
type Calculator struct {
	policy Policy
}

func NewCalculator(policy Policy) *Calculator {
	return &Calculator{policy: policy.withDefaults()}
}

// Delay returns the jittered backoff duration for the given post-increment
// attempts count, honoring an optional server-requested override.
// backoffRequestSeconds of 0 means "no server hint".
func (c *Calculator) Delay(attempts int, backoffRequestSeconds int) time.Duration {
	if backoffRequestSeconds > 0 {
		d := time.Duration(backoffRequestSeconds) * time.Second
		return c.cap(d)
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(c.policy.BaseSeconds) {
		idx = len(c.policy.BaseSeconds) - 1
	}
	base := time.Duration(c.policy.BaseSeconds[idx] * float64(time.Second))

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = base
	eb.Multiplier = 1
	eb.RandomizationFactor = c.policy.JitterFactor
	eb.Reset()
	jittered := eb.NextBackOff()
	if jittered == backoff.Stop {
		jittered = base
	}
	return c.cap(jittered)
}

func (c *Calculator) cap(d time.Duration) time.Duration {
	max := time.Duration(c.policy.MaxBackoffSeconds * float64(time.Second))
	if d > max {
		return max
	}
	return d
}

// NextRetryAt applies Delay on top of the reference instant (last_attempted_at
// for a server hint, last_failure_at for the exponential formula). An
// explicit backoff_request_seconds always wins over the failure-based
// formula.
func (c *Calculator) NextRetryAt(attempts int, backoffRequestSeconds int, reference time.Time) time.Time {
	return reference.Add(c.Delay(attempts, backoffRequestSeconds))
}
