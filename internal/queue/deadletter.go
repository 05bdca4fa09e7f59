package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/SirClappington/queuectl/internal/domain"
	"github.com/SirClappington/queuectl/internal/storage"
)

// Dead jobs stay in the jobs collection; the dead-letter queue is the set of
// jobs in state dead.

// Quarantine, Reschedule and Complete settle the claim j was returned
// under. Once the job has been reclaimed, by anyone, they return
// domain.ErrNotFound and leave it alone.

func Quarantine(ctx context.Context, s storage.Store, j *domain.Job, reason string, now time.Time) (*domain.Job, error) {
	return s.Transition(ctx, j.ID, domain.Transition{
		From:      domain.Processing,
		To:        domain.Dead,
		At:        now,
		Claim:     j.Claim(),
		LastError: &reason,
	})
}

func Reschedule(ctx context.Context, s storage.Store, j *domain.Job, reason string, now time.Time, delay time.Duration) (*domain.Job, error) {
	runAt := now.Add(delay)
	return s.Transition(ctx, j.ID, domain.Transition{
		From:      domain.Processing,
		To:        domain.Pending,
		At:        now,
		Claim:     j.Claim(),
		RunAt:     &runAt,
		LastError: &reason,
	})
}

func Complete(ctx context.Context, s storage.Store, j *domain.Job, now time.Time) (*domain.Job, error) {
	return s.Transition(ctx, j.ID, domain.Transition{
		From:  domain.Processing,
		To:    domain.Completed,
		At:    now,
		Claim: j.Claim(),
	})
}

// Replay moves a dead job back to pending with a fresh retry budget. It
// returns domain.ErrNotFound when no job with that id is dead.
func Replay(ctx context.Context, s storage.Store, id string, now time.Time) (*domain.Job, error) {
	j, err := s.Transition(ctx, id, domain.Transition{
		From:          domain.Dead,
		To:            domain.Pending,
		At:            now,
		RunAt:         &now,
		ResetAttempts: true,
	})
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	return j, nil
}

// DeadLetters lists dead jobs, oldest failure first.
func DeadLetters(ctx context.Context, s storage.Store) ([]domain.Job, error) {
	dead := domain.Dead
	return s.FindMany(ctx, domain.Filter{State: &dead, OrderBy: domain.OrderUpdated})
}
