package temporalqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/orbitflow/taskengine/internal/platform/envutil"
	"github.com/orbitflow/taskengine/internal/platform/logger"

	temporalsdkclient "go.temporal.io/sdk/client"
)

// NewClient dials Temporal with a bounded exponential-backoff retry loop, so
// a worker that starts before Temporal is reachable doesn't crash-loop.
// Returns (nil, nil) when TEMPORAL_ADDRESS is unset, letting callers fall
// back to the sqlqueue adapter.
func NewClient(log *logger.Logger) (temporalsdkclient.Client, error) {
	cfg := LoadConfig()
	if cfg.Address == "" {
		if log != nil {
			log.Warn("TEMPORAL_ADDRESS not set; temporal queue disabled")
		}
		return nil, nil
	}

	dialTimeout := envutil.Duration("TEMPORAL_DIAL_TIMEOUT_SECONDS", 5*time.Second)
	maxWait := envutil.Duration("TEMPORAL_DIAL_MAX_WAIT_SECONDS", 60*time.Second)
	backoffBase := time.Duration(envutil.Int("TEMPORAL_DIAL_BACKOFF_MS", 250)) * time.Millisecond
	backoffMax := time.Duration(envutil.Int("TEMPORAL_DIAL_BACKOFF_MAX_MS", 5000)) * time.Millisecond

	deadline := time.Now().Add(maxWait)
	for attempt := 1; ; attempt++ {
		dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		c, err := temporalsdkclient.DialContext(dialCtx, temporalsdkclient.Options{
			HostPort:  cfg.Address,
			Namespace: cfg.Namespace,
			Logger:    log,
		})
		cancel()
		if err == nil {
			if log != nil && attempt > 1 {
				log.Info("connected to temporal", "address", cfg.Address, "namespace", cfg.Namespace, "attempts", attempt)
			}
			return c, nil
		}

		if maxWait <= 0 || time.Now().After(deadline) {
			return nil, fmt.Errorf("temporal dial failed (address=%s namespace=%s): %w", cfg.Address, cfg.Namespace, err)
		}
		if log != nil {
			log.Warn("temporal not reachable; retrying", "address", cfg.Address, "attempt", attempt, "error", err)
		}
		time.Sleep(clampBackoff(backoffBase, backoffMax, attempt))
	}
}

func clampBackoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	sleep := base
	for i := 1; i < attempt; i++ {
		sleep *= 2
		if max > 0 && sleep >= max {
			return max
		}
	}
	if max > 0 && sleep > max {
		return max
	}
	return sleep
}
