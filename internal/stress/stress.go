// Package stress hammers shared handles from many goroutines and checks that
// every value is released exactly once.
package stress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rselbach/shared"
)

var (
	// ErrInvalidConfig is returned by [Run] for a non-positive worker or
	// iteration count.
	ErrInvalidConfig = errors.New("stress: invalid config")

	// ErrViolation wraps every broken refcount property found by [Run].
	ErrViolation = errors.New("stress: refcount violation")
)

// Config controls a stress run.
type Config struct {
	Workers    int  // goroutines cloning (or upgrading) each round's handle
	Iterations int  // rounds
	Weak       bool // race Weak.Upgrade against the final Release

	// Tracker receives the run's events. A fresh one is used if nil.
	Tracker *shared.Tracker
	Logger  *slog.Logger
}

// Result summarizes a finished run.
type Result struct {
	Rounds           int
	Stats            shared.Stats // tracker events recorded by this run
	Finalized        int64        // payload release functions that ran
	UpgradeSuccesses int64
	UpgradeFailures  int64
	Elapsed          time.Duration
}

// payload is the value shared within one round.
type payload struct {
	round     int
	finalized atomic.Int32
	touches   atomic.Int64
}

// Run executes cfg.Iterations rounds and verifies the refcount properties
// after each one and for the run as a whole. It stops between rounds when ctx
// is done and returns the partial result with ctx's error.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if cfg.Workers <= 0 || cfg.Iterations <= 0 {
		return Result{}, fmt.Errorf("%w: workers=%d iterations=%d", ErrInvalidConfig, cfg.Workers, cfg.Iterations)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = shared.NewTracker(logger)
	}

	r := &runner{cfg: cfg, tracker: tracker}
	before := tracker.Stats()
	start := time.Now()

	var res Result
	var err error
	for i := 0; i < cfg.Iterations; i++ {
		if err = ctx.Err(); err != nil {
			break
		}
		if cfg.Weak {
			err = r.weakRound(i)
		} else {
			err = r.cloneRound(i)
		}
		if err != nil {
			break
		}
		res.Rounds++
		logger.Debug("stress round done", "round", i)
	}

	res.Stats = tracker.Stats().Sub(before)
	res.Finalized = r.finalized.Load()
	res.UpgradeSuccesses = r.upgrades.Load()
	res.UpgradeFailures = res.Stats.UpgradeFailures
	res.Elapsed = time.Since(start)
	if err != nil {
		return res, err
	}

	if err := verify(res); err != nil {
		return res, err
	}

	logger.Info("stress run complete",
		"rounds", res.Rounds,
		"workers", cfg.Workers,
		"weak", cfg.Weak,
		"clones", res.Stats.Clones,
		"upgrade_failures", res.UpgradeFailures,
		"elapsed", res.Elapsed,
	)
	return res, nil
}

type runner struct {
	cfg     Config
	tracker *shared.Tracker

	finalized atomic.Int64
	upgrades  atomic.Int64
}

func (r *runner) newPayload(round int) (*shared.Handle[*payload], *payload) {
	p := &payload{round: round}
	h := shared.New(p,
		shared.WithTracker(r.tracker),
		shared.WithRelease(func(p *payload) {
			p.finalized.Add(1)
			r.finalized.Add(1)
		}),
	)
	return h, p
}

// cloneRound clones one handle from every worker and releases all the
// handles concurrently.
func (r *runner) cloneRound(round int) error {
	root, p := r.newPayload(round)
	workers := r.cfg.Workers

	clones := make([]*shared.Handle[*payload], workers)
	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			c := root.Clone()
			v, err := c.Get()
			if err != nil {
				return violation(round, "clone is empty: %v", err)
			}
			v.touches.Add(1)
			clones[w] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	uses := root.UseCount()

	var release errgroup.Group
	release.Go(func() error {
		root.Release()
		return nil
	})
	for _, c := range clones {
		release.Go(func() error {
			c.Release()
			return nil
		})
	}
	_ = release.Wait()

	if want := int64(workers + 1); uses != want {
		return violation(round, "use_count %d after cloning, want %d", uses, want)
	}
	if n := p.finalized.Load(); n != 1 {
		return violation(round, "payload released %d times", n)
	}
	if n := p.touches.Load(); n != int64(workers) {
		return violation(round, "payload touched %d times, want %d", n, workers)
	}
	return nil
}

// weakRound races Upgrade from every worker against the release of the only
// strong handle created by the round.
func (r *runner) weakRound(round int) error {
	root, p := r.newPayload(round)
	weak := root.Weak()
	defer weak.Release()

	ready := make(chan struct{})
	var g errgroup.Group
	for range r.cfg.Workers {
		g.Go(func() error {
			<-ready
			for {
				h, err := weak.Upgrade()
				if errors.Is(err, shared.ErrExpired) {
					return nil
				}
				if err != nil {
					return violation(round, "upgrade: %v", err)
				}
				r.upgrades.Add(1)

				v := h.MustGet()
				if v.round != round || v.finalized.Load() != 0 {
					h.Release()
					return violation(round, "upgrade resurrected a released payload")
				}
				v.touches.Add(1)
				h.Release()
			}
		})
	}

	close(ready)
	root.Release()
	if err := g.Wait(); err != nil {
		return err
	}

	if !weak.Expired() {
		return violation(round, "weak reference alive after every strong handle was released")
	}
	if n := p.finalized.Load(); n != 1 {
		return violation(round, "payload released %d times", n)
	}
	return nil
}

// verify checks the totals of a finished run.
func verify(res Result) error {
	rounds := int64(res.Rounds)
	s := res.Stats
	switch {
	case s.Allocated != rounds:
		return fmt.Errorf("%w: %d blocks allocated in %d rounds", ErrViolation, s.Allocated, rounds)
	case s.Released != s.Allocated:
		return fmt.Errorf("%w: %d values released, %d allocated", ErrViolation, s.Released, s.Allocated)
	case s.Freed != s.Allocated:
		return fmt.Errorf("%w: %d blocks freed, %d allocated", ErrViolation, s.Freed, s.Allocated)
	case res.Finalized != rounds:
		return fmt.Errorf("%w: %d release functions ran in %d rounds", ErrViolation, res.Finalized, rounds)
	case s.Leaked != 0:
		return fmt.Errorf("%w: %d handles leaked", ErrViolation, s.Leaked)
	}
	return nil
}

func violation(round int, format string, args ...any) error {
	return fmt.Errorf("%w: round %d: %s", ErrViolation, round, fmt.Sprintf(format, args...))
}
