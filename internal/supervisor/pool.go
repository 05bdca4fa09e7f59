package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/queuectl/internal/logging"
	"github.com/SirClappington/queuectl/internal/queue"
)

// ErrForcedShutdown is returned when units were still busy after the grace
// period and had to be cancelled.
var ErrForcedShutdown = errors.New("forced shutdown: units did not stop within the grace period")

// Unit is one independently running worker. Closing stop asks it to finish
// what it is doing; cancelling ctx aborts it.
type Unit interface {
	Run(ctx context.Context, stop <-chan struct{}) error
}

// UnitFactory builds the unit with the given 1-based id. It is called again
// whenever a unit has to be restarted.
type UnitFactory func(id int) (Unit, error)

type Options struct {
	Count        int
	Grace        time.Duration
	RestartDelay time.Duration
	// Reaper, when set, runs every ReapInterval for the life of the pool.
	Reaper       *queue.Reaper
	ReapInterval time.Duration
}

type Pool struct {
	opts    Options
	factory UnitFactory
	log     *zap.Logger
}

func New(opts Options, factory UnitFactory, log *zap.Logger) *Pool {
	if opts.Count < 1 {
		opts.Count = 1
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = time.Second
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = time.Minute
	}
	return &Pool{opts: opts, factory: factory, log: logging.OrNop(log).Named("pool")}
}

// Run starts every unit and blocks until ctx is cancelled, then stops them:
// gracefully first, by force once the grace period runs out.
func (p *Pool) Run(ctx context.Context) error {
	stop := make(chan struct{})
	hardCtx, hardCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer hardCancel()
	reapCtx, reapCancel := context.WithCancel(hardCtx)
	defer reapCancel()

	var (
		mu   sync.Mutex
		errs error
	)
	record := func(err error) {
		mu.Lock()
		errs = multierr.Append(errs, err)
		mu.Unlock()
	}

	var g errgroup.Group
	for id := 1; id <= p.opts.Count; id++ {
		g.Go(func() error {
			record(p.supervise(hardCtx, stop, id))
			return nil
		})
	}
	if p.opts.Reaper != nil {
		g.Go(func() error {
			return p.opts.Reaper.Run(reapCtx, p.opts.ReapInterval)
		})
	}
	p.log.Info("worker pool started", zap.Int("count", p.opts.Count))

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return errs
	case <-ctx.Done():
	}

	p.log.Info("stopping worker pool", zap.Duration("grace", p.opts.Grace))
	close(stop)
	reapCancel()

	grace := time.NewTimer(p.opts.Grace)
	defer grace.Stop()
	select {
	case <-done:
		p.log.Info("worker pool stopped")
		return errs
	case <-grace.C:
	}

	p.log.Warn("grace period elapsed; cancelling in-flight jobs")
	hardCancel()
	<-done
	return multierr.Append(ErrForcedShutdown, errs)
}

func (p *Pool) supervise(ctx context.Context, stop <-chan struct{}, id int) error {
	log := p.log.With(zap.Int("unit", id))
	for {
		u, err := p.factory(id)
		if err == nil {
			err = u.Run(ctx, stop)
		}
		if ctx.Err() != nil {
			log.Warn("unit cancelled")
			return nil
		}
		if stopping(stop) {
			if err != nil {
				return fmt.Errorf("unit %d: %w", id, err)
			}
			return nil
		}

		log.Error("unit exited; restarting", zap.Error(err), zap.Duration("delay", p.opts.RestartDelay))
		t := time.NewTimer(p.opts.RestartDelay)
		select {
		case <-stop:
			t.Stop()
			return nil
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func stopping(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
