// Package scheduler triggers a job at fixed UTC hours of every day.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
)

// Job is the unit of work the scheduler fires. It receives the context passed
// to Start.
type Job func(ctx context.Context)

// Options configures a Daily scheduler.
type Options struct {
	// Hours are the UTC hours (0-23) the job fires at.
	Hours []int
	// RunOnStart fires the job once immediately after Start.
	RunOnStart bool
}

// Daily fires a job at each configured UTC hour. Invocations run on the
// scheduler goroutine one after another, so they never overlap; a trigger
// that comes due while a run is in progress fires once that run returns.
type Daily struct {
	hours      []int
	runOnStart bool
	job        Job
	clock      clockwork.Clock
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDaily creates a scheduler. It does nothing until Start is called.
func NewDaily(opts Options, job Job, clock clockwork.Clock, logger *slog.Logger) (*Daily, error) {
	if len(opts.Hours) == 0 {
		return nil, errors.New("scheduler: no trigger hours")
	}
	for _, h := range opts.Hours {
		if h < 0 || h > 23 {
			return nil, fmt.Errorf("scheduler: invalid hour %d", h)
		}
	}
	hours := slices.Clone(opts.Hours)
	slices.Sort(hours)
	return &Daily{
		hours:      slices.Compact(hours),
		runOnStart: opts.RunOnStart,
		job:        job,
		clock:      clock,
		logger:     logger,
	}, nil
}

// NextRun returns the first trigger instant strictly after now for the given
// UTC hours. hours must be non-empty.
func NextRun(now time.Time, hours []int) time.Time {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var next time.Time
	for _, h := range hours {
		for _, day := range []time.Time{midnight, midnight.AddDate(0, 0, 1)} {
			t := day.Add(time.Duration(h) * time.Hour)
			if !t.After(now) {
				continue
			}
			if next.IsZero() || t.Before(next) {
				next = t
			}
			break
		}
	}
	return next
}

// Start launches the scheduler goroutine. The job receives ctx; cancelling
// ctx also stops the scheduler.
func (d *Daily) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	d.logger.Info("scheduler started",
		"hours_utc", d.hours,
		"next_run", NextRun(d.clock.Now(), d.hours),
		"run_on_start", d.runOnStart,
	)
	go d.loop(loopCtx, ctx)
}

// Stop prevents further triggers and waits for an in-flight run to return or
// for ctx to expire, whichever comes first.
func (d *Daily) Stop(ctx context.Context) error {
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	select {
	case <-d.done:
		d.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: waiting for in-flight run: %w", ctx.Err())
	}
}

func (d *Daily) loop(loopCtx, jobCtx context.Context) {
	defer close(d.done)

	if d.runOnStart {
		d.fire(jobCtx)
	}
	for {
		now := d.clock.Now()
		next := NextRun(now, d.hours)
		timer := d.clock.NewTimer(next.Sub(now))
		select {
		case <-loopCtx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
		d.logger.Info("scheduled run triggered", "scheduled_for", next)
		d.fire(jobCtx)
	}
}

func (d *Daily) fire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("scheduled job panicked", "panic", r)
		}
	}()
	d.job(ctx)
}
