package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/SirClappington/queuectl/internal/domain"
)

// Store is the durable source of truth for job state. Every mutation is
// atomic on the backend; callers never read-then-write.
type Store interface {
	// Insert creates a job. It returns domain.ErrConflict when the id exists.
	Insert(ctx context.Context, j *domain.Job) error
	// ClaimNext reserves the oldest pending job with run_at <= now, moving it
	// to processing and incrementing attempts in the same step. A nil job
	// with a nil error means nothing is eligible.
	ClaimNext(ctx context.Context, now time.Time) (*domain.Job, error)
	// Transition applies t to job id only while it is still in t.From (and
	// under t.Claim, when set) and returns the updated job, or
	// domain.ErrNotFound.
	Transition(ctx context.Context, id string, t domain.Transition) (*domain.Job, error)
	FindByID(ctx context.Context, id string) (*domain.Job, error)
	FindMany(ctx context.Context, f domain.Filter) ([]domain.Job, error)
	CountByState(ctx context.Context) (map[domain.State]int, error)
	Close() error
}

type Opener func(ctx context.Context) (Store, error)

// Lazy connects on first use and keeps the connection for later calls.
// A failed connect is reported as domain.ErrStoreUnavailable and retried on
// the next call.
type Lazy struct {
	open Opener

	mu    sync.Mutex
	store Store
}

func NewLazy(open Opener) *Lazy { return &Lazy{open: open} }

func (l *Lazy) get(ctx context.Context) (Store, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store != nil {
		return l.store, nil
	}
	s, err := l.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	l.store = s
	return s, nil
}

func (l *Lazy) Insert(ctx context.Context, j *domain.Job) error {
	s, err := l.get(ctx)
	if err != nil {
		return err
	}
	return s.Insert(ctx, j)
}

func (l *Lazy) ClaimNext(ctx context.Context, now time.Time) (*domain.Job, error) {
	s, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return s.ClaimNext(ctx, now)
}

func (l *Lazy) Transition(ctx context.Context, id string, t domain.Transition) (*domain.Job, error) {
	s, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return s.Transition(ctx, id, t)
}

func (l *Lazy) FindByID(ctx context.Context, id string) (*domain.Job, error) {
	s, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return s.FindByID(ctx, id)
}

func (l *Lazy) FindMany(ctx context.Context, f domain.Filter) ([]domain.Job, error) {
	s, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return s.FindMany(ctx, f)
}

func (l *Lazy) CountByState(ctx context.Context) (map[domain.State]int, error) {
	s, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return s.CountByState(ctx)
}

func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store == nil {
		return nil
	}
	err := l.store.Close()
	l.store = nil
	return err
}

func orderColumn(o domain.Order) string {
	if o == domain.OrderUpdated {
		return "updated_at"
	}
	return "created_at"
}
