// Package sweeper runs the recurring retention job that purges old emotion logs.
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Purger deletes emotion entries created strictly before cutoff.
type Purger interface {
	DeleteEmotionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// State is the lifecycle state of a Sweeper.
type State int

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrStopped is returned by Start once the sweeper has been stopped.
var ErrStopped = errors.New("sweeper: stopped")

// ErrStarted is returned by Start when the schedule is already running.
var ErrStarted = errors.New("sweeper: already started")

// Config holds the schedule. Zero values fall back to the defaults.
type Config struct {
	Retention time.Duration // default 30 days
	Interval  time.Duration // default 24 hours
	Timeout   time.Duration // per-sweep bound; 0 means none
}

const (
	DefaultRetention = 30 * 24 * time.Hour
	DefaultInterval  = 24 * time.Hour
)

// Sweeper periodically deletes emotion entries older than the retention window.
// It is idle between ticks, running during a sweep, and stopped after Stop.
type Sweeper struct {
	purger Purger
	cfg    Config
	logger *log.Logger

	// Now is the clock used to compute the cutoff. Replaceable in tests.
	Now func() time.Time

	mu      sync.Mutex
	state   State
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an idle sweeper. It does nothing until Start is called.
func New(p Purger, cfg Config, logger *log.Logger) *Sweeper {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{
		purger: p,
		cfg:    cfg,
		logger: logger.WithPrefix("sweeper"),
		Now:    time.Now,
		state:  Idle,
	}
}

// State reports the current lifecycle state.
func (s *Sweeper) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins the recurring schedule. The first sweep runs one interval
// after Start. The schedule ends when ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Stopped {
		return ErrStopped
	}
	if s.started {
		return ErrStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx)

	s.logger.Info("retention schedule started", "interval", s.cfg.Interval, "retention", s.cfg.Retention)
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// select picks randomly when a tick and cancellation are both ready
			if ctx.Err() != nil {
				return
			}
			// The sweep must not be interrupted mid-transaction by Stop,
			// so it only inherits the values of the schedule context.
			_, _ = s.sweep(context.WithoutCancel(ctx))
		}
	}
}

// Stop ends the schedule and moves the sweeper to the stopped state.
// A sweep already in flight is not interrupted; Stop waits for it only
// until ctx is done.
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return
	}
	s.state = Stopped
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-done:
		s.logger.Info("retention schedule stopped")
	case <-ctx.Done():
		s.logger.Warn("retention schedule stopped while a sweep was still in flight")
	}
}

// RunOnce performs a single sweep immediately and returns the number of
// deleted entries. Unlike scheduled ticks it reports the storage error.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	return s.sweep(ctx)
}

// Cutoff returns the instant before which entries are considered expired.
func (s *Sweeper) Cutoff() time.Time {
	return s.Now().UTC().Add(-s.cfg.Retention)
}

func (s *Sweeper) sweep(ctx context.Context) (int64, error) {
	s.setRunning(true)
	defer s.setRunning(false)

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	cutoff := s.Cutoff()
	start := time.Now()
	n, err := s.purger.DeleteEmotionsOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("emotion cleanup failed; retrying next interval", "cutoff", cutoff, "err", err)
		return 0, err
	}

	if n > 0 {
		s.logger.Info("emotion cleanup finished", "deleted", n, "cutoff", cutoff, "took", time.Since(start))
	} else {
		s.logger.Info("emotion cleanup finished: nothing to delete", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}

// setRunning flips between idle and running. A stopped sweeper stays stopped.
func (s *Sweeper) setRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Stopped {
		return
	}
	if running {
		s.state = Running
	} else {
		s.state = Idle
	}
}
