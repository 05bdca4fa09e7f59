package queue

import (
	"math"
	"time"

	"github.com/SirClappington/queuectl/internal/config"
	"github.com/SirClappington/queuectl/internal/domain"
)

// Policy decides what happens to a job after a failed attempt.
type Policy struct {
	BackoffBase float64
	BackoffCap  time.Duration
	MaxRetries  int
}

func PolicyFrom(w config.Worker) Policy {
	return Policy{BackoffBase: w.BackoffBase, BackoffCap: w.BackoffCap, MaxRetries: w.MaxRetries}
}

type Decision struct {
	Quarantine bool
	Delay      time.Duration
}

// Decide is consulted only on failure. attempts already counts the claim
// that just failed, so the first retry waits base**1.
func (p Policy) Decide(j *domain.Job) Decision {
	if j.Attempts >= j.EffectiveMaxRetries(p.MaxRetries) {
		return Decision{Quarantine: true}
	}
	return Decision{Delay: p.Backoff(j.Attempts)}
}

// Backoff returns min(base**attempts, cap) seconds.
func (p Policy) Backoff(attempts int) time.Duration {
	capSecs := p.BackoffCap.Seconds()
	secs := math.Pow(p.BackoffBase, float64(attempts))
	if math.IsInf(secs, 0) || math.IsNaN(secs) || secs >= capSecs {
		return p.BackoffCap
	}
	return time.Duration(secs * float64(time.Second))
}
