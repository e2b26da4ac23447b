// Package scheduler runs backup procedures from time based triggers.
//
// Each trigger kind owns at most one background loop. Registering a kind that
// is already running cancels the previous loop and waits for it to exit before
// the new loop starts, so a kind never has two loops alive at once.
//
// Loops read the job configuration through a ConfigSource on every poll, so a
// configuration change applies to the next firing without re-registration.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/paulschiretz/pgl-autobackup/pkg/config"
	"github.com/paulschiretz/pgl-autobackup/pkg/plog"
)

// Kind identifies a trigger loop.
type Kind string

const (
	Daily    Kind = "daily"
	Interval Kind = "interval"
	Cron     Kind = "cron"
)

// ConfigSource gives access to the current job configuration.
type ConfigSource interface {
	Get() config.Config
}

// RunFunc is the backup procedure bound to a trigger. ctx is cancelled when
// the scheduler is stopped.
type RunFunc func(ctx context.Context)

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the trigger loops.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	// regMu serializes registration so a kind never has two loops alive.
	// mu only guards loops and is never held while a loop is joined.
	regMu sync.Mutex
	mu    sync.Mutex
	loops map[Kind]*loop

	now              func() time.Time
	dailyPoll        time.Duration
	dailyCooldown    time.Duration
	intervalPoll     time.Duration
	intervalCooldown time.Duration
}

// New creates a scheduler whose loops and runs are bound to ctx.
func New(ctx context.Context) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		ctx:              ctx,
		cancel:           cancel,
		loops:            make(map[Kind]*loop),
		now:              time.Now,
		dailyPoll:        time.Second,
		dailyCooldown:    time.Minute,
		intervalPoll:     time.Hour,
		intervalCooldown: 24 * time.Hour,
	}
}

// RegisterDaily starts the daily loop. Once per poll it compares the current
// wall-clock HH:MM with the configured time and fires run on a match, then
// sleeps through the rest of the minute.
func (s *Scheduler) RegisterDaily(src ConfigSource, run RunFunc) {
	s.start(Daily, func(ctx context.Context) {
		for {
			want := src.Get().Time
			if want != "" && s.now().Format(config.TimeLayout) == want {
				plog.Info("Daily trigger fired", "time", want)
				run(s.ctx)
				if !sleep(ctx, s.dailyCooldown) {
					return
				}
				continue
			}
			if !sleep(ctx, s.dailyPoll) {
				return
			}
		}
	})
}

// RegisterInterval starts the interval loop. It fires on its first poll and
// then whenever at least intervalDays have passed since the last firing. After
// firing it waits a full day before polling again. An interval of zero keeps
// the loop idle until the configuration changes.
func (s *Scheduler) RegisterInterval(src ConfigSource, run RunFunc) {
	s.start(Interval, func(ctx context.Context) {
		var last time.Time
		for {
			days := src.Get().IntervalDays
			if days > 0 {
				period := time.Duration(days) * 24 * time.Hour
				if now := s.now(); last.IsZero() || now.Sub(last) >= period {
					last = now
					plog.Info("Interval trigger fired", "interval_days", days)
					run(s.ctx)
					if !sleep(ctx, s.intervalCooldown) {
						return
					}
					continue
				}
			}
			if !sleep(ctx, s.intervalPoll) {
				return
			}
		}
	})
}

// RegisterCron starts the cron loop for a standard cron expression. An empty
// spec only unregisters any previous cron loop.
func (s *Scheduler) RegisterCron(spec string, run RunFunc) error {
	if spec == "" {
		s.Unregister(Cron)
		return nil
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}

	s.start(Cron, func(ctx context.Context) {
		logger := cronLogger{}
		c := cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		)
		c.Schedule(sched, cron.FuncJob(func() {
			plog.Info("Cron trigger fired", "cron", spec)
			run(s.ctx)
		}))
		c.Start()
		<-ctx.Done()
		// Wait for a running job to complete.
		<-c.Stop().Done()
	})
	return nil
}

// Unregister cancels the loop of the given kind and waits for it to exit.
func (s *Scheduler) Unregister(kind Kind) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	s.detach(kind).join()
}

// Registered reports whether a loop of the given kind is active. A kind that
// is being replaced reports false until its new loop has started.
func (s *Scheduler) Registered(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[kind]
	return ok
}

// Stop cancels all loops and in-flight runs and waits for them to exit.
func (s *Scheduler) Stop() {
	s.cancel()
	s.regMu.Lock()
	defer s.regMu.Unlock()

	s.mu.Lock()
	loops := s.loops
	s.loops = make(map[Kind]*loop)
	s.mu.Unlock()

	for _, l := range loops {
		l.join()
	}
}

func (s *Scheduler) start(kind Kind, body func(ctx context.Context)) {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	s.detach(kind).join()

	ctx, cancel := context.WithCancel(s.ctx)
	l := &loop{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.loops[kind] = l
	s.mu.Unlock()

	go func() {
		defer close(l.done)
		plog.Debug("Scheduler loop started", "kind", kind)
		body(ctx)
		plog.Debug("Scheduler loop stopped", "kind", kind)
	}()
}

// detach removes the loop of kind from the registry without stopping it.
func (s *Scheduler) detach(kind Kind) *loop {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.loops[kind]
	delete(s.loops, kind)
	return l
}

// join cancels the loop and waits for it to exit. A nil loop is a no-op.
func (l *loop) join() {
	if l == nil {
		return
	}
	l.cancel()
	<-l.done
}

// sleep waits for d or until ctx is done. It returns false if ctx is done.
func sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// cronLogger routes cron's internal logging to plog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	plog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	plog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

var _ cron.Logger = cronLogger{}
