package retry

import "time"

// Clock abstracts wall-clock time so readiness evaluation and backoff
// calculations are deterministic in tests: anything governing retry timing
// takes an injected Clock rather than calling time.Now directly.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock.
var SystemClock Clock = systemClock{}

// Fixed is a Clock that always reports the same instant, for tests.
type Fixed time.Time

func (f Fixed) Now() time.Time { return time.Time(f) }
