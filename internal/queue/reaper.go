package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/queuectl/internal/domain"
	"github.com/SirClappington/queuectl/internal/logging"
	"github.com/SirClappington/queuectl/internal/storage"
)

const reapBatch = 500

// Reaper recovers jobs stuck in processing after their worker died. A stale
// job counts as one failed attempt and goes through the normal policy.
type Reaper struct {
	store      storage.Store
	policy     Policy
	staleAfter time.Duration
	log        *zap.Logger
	now        func() time.Time
}

func NewReaper(store storage.Store, policy Policy, staleAfter time.Duration, log *zap.Logger) *Reaper {
	return &Reaper{
		store:      store,
		policy:     policy,
		staleAfter: staleAfter,
		log:        logging.OrNop(log).Named("reaper"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Reap handles one batch of stale jobs and returns how many it moved.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	now := r.now()
	cutoff := now.Add(-r.staleAfter)
	processing := domain.Processing
	stale, err := r.store.FindMany(ctx, domain.Filter{
		State:         &processing,
		UpdatedBefore: &cutoff,
		OrderBy:       domain.OrderUpdated,
		Limit:         reapBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("find stale jobs: %w", err)
	}

	n := 0
	for i := range stale {
		j := &stale[i]
		reason := fmt.Sprintf("exception:worker lost (processing since %s)", j.UpdatedAt.Format(time.RFC3339))
		dec, err := fail(ctx, r.store, r.policy, j, reason, now)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("recover job %s: %w", j.ID, err)
		}
		n++
		r.log.Warn("recovered stale job",
			zap.String("job_id", j.ID),
			zap.Int("attempt", j.Attempts),
			zap.Bool("quarantined", dec.Quarantine))
	}
	return n, nil
}

// Run reaps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("reap interval must be positive, got %s", interval)
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		if _, err := r.Reap(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("reap failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}
