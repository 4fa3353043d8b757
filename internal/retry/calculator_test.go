package retry_test

import (
	"testing"
	"time"

	"github.com/orbitflow/taskengine/internal/retry"
)

func TestDelayMonotonicAcrossAttempts(t *testing.T) {
	calc := retry.NewCalculator(retry.Policy{JitterFactor: 0})
	prev := time.Duration(0)
	for attempts := 1; attempts <= 6; attempts++ {
		d := calc.Delay(attempts, 0)
		if d < prev {
			t.Fatalf("delay decreased at attempts=%d: %v < %v", attempts, d, prev)
		}
		prev = d
	}
}

func TestDelayClampsPastLastTableEntry(t *testing.T) {
	calc := retry.NewCalculator(retry.Policy{JitterFactor: 0})
	atTableEnd := calc.Delay(6, 0)
	beyond := calc.Delay(50, 0)
	if beyond != atTableEnd {
		t.Fatalf("expected delay beyond the table length to clamp to the last entry: got %v want %v", beyond, atTableEnd)
	}
}

func TestDelayRespectsServerHintOverFormula(t *testing.T) {
	calc := retry.NewCalculator(retry.Policy{JitterFactor: 0})
	d := calc.Delay(1, 120)
	if d != 120*time.Second {
		t.Fatalf("expected server-hinted delay of 120s, got %v", d)
	}
}

func TestDelayNeverExceedsMaxBackoff(t *testing.T) {
	calc := retry.NewCalculator(retry.Policy{JitterFactor: 0, MaxBackoffSeconds: 10})
	d := calc.Delay(1, 99999)
	if d != 10*time.Second {
		t.Fatalf("expected hard cap of 10s, got %v", d)
	}
}

func TestNextRetryAtAddsDelayToReference(t *testing.T) {
	calc := retry.NewCalculator(retry.Policy{BaseSeconds: []float64{5}, JitterFactor: 0})
	ref := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next := calc.NextRetryAt(1, 0, ref)
	if !next.Equal(ref.Add(5 * time.Second)) {
		t.Fatalf("expected ref+5s, got %v", next)
	}
}
