package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/queuectl/internal/config"
	"github.com/SirClappington/queuectl/internal/domain"
	"github.com/SirClappington/queuectl/internal/executor"
	"github.com/SirClappington/queuectl/internal/logging"
	"github.com/SirClappington/queuectl/internal/storage"
)

// Worker claims and runs one job at a time. Workers share nothing in
// process; the store's atomic claim is their only coordination.
type Worker struct {
	ID     int
	store  storage.Store
	runner executor.Runner
	policy Policy
	cfg    config.Worker
	log    *zap.Logger
	now    func() time.Time
}

func NewWorker(id int, store storage.Store, runner executor.Runner, cfg config.Worker, log *zap.Logger) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("worker %d: %w", id, err)
	}
	return &Worker{
		ID:     id,
		store:  store,
		runner: runner,
		policy: PolicyFrom(cfg),
		cfg:    cfg,
		log:    logging.OrNop(log).With(zap.Int("worker", id)),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run is the main loop for the worker. Closing stop asks it to finish the
// job in flight and return nil; cancelling ctx aborts the job in flight.
func (w *Worker) Run(ctx context.Context, stop <-chan struct{}) error {
	w.log.Info("worker started", zap.Duration("poll_interval", w.cfg.PollInterval))
	for {
		select {
		case <-stop:
			w.log.Info("worker exiting gracefully")
			return nil
		case <-ctx.Done():
			w.log.Warn("worker cancelled", zap.Error(ctx.Err()))
			return ctx.Err()
		default:
		}

		worked, err := w.RunOnce(ctx)
		if err != nil {
			w.log.Error("worker iteration failed", zap.Error(err))
		}
		if worked && err == nil {
			continue
		}

		t := time.NewTimer(w.cfg.PollInterval)
		select {
		case <-stop:
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}
}

// RunOnce claims at most one job and drives it to its next state. It
// reports whether a job was claimed. Execution failures are never returned;
// only store errors are.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNext(ctx, w.now())
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if job == nil {
		return false, nil
	}

	log := w.log.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts))
	log.Info("picked job", zap.String("command", job.Command))

	out := Execute(ctx, w.runner, job, w.cfg.ExecTimeout)
	if out.Success {
		if _, err := Complete(ctx, w.store, job, w.now()); err != nil {
			return true, w.settleErr(log, "complete", err)
		}
		log.Info("job completed")
		return true, nil
	}

	log.Warn("job failed", zap.Int("exit_code", out.ExitCode), zap.String("reason", out.Reason))
	dec, err := fail(ctx, w.store, w.policy, job, out.Reason, w.now())
	if err != nil {
		return true, w.settleErr(log, "fail", err)
	}
	if dec.Quarantine {
		log.Warn("job moved to dead letter queue",
			zap.Int("max_retries", job.EffectiveMaxRetries(w.policy.MaxRetries)))
	} else {
		log.Info("job scheduled for retry", zap.Duration("delay", dec.Delay))
	}
	return true, nil
}

// settleErr tolerates losing the claim to someone else (the reaper, for
// instance): that is logged, not returned.
func (w *Worker) settleErr(log *zap.Logger, op string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("job no longer owned by this worker", zap.String("op", op))
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// fail routes a failed attempt through the policy and records reason.
func fail(ctx context.Context, s storage.Store, p Policy, j *domain.Job, reason string, now time.Time) (Decision, error) {
	dec := p.Decide(j)
	var err error
	if dec.Quarantine {
		_, err = Quarantine(ctx, s, j, reason, now)
	} else {
		_, err = Reschedule(ctx, s, j, reason, now, dec.Delay)
	}
	return dec, err
}
