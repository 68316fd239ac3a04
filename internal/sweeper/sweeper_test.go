package sweeper

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

// memPurger is an in-memory emotion log keyed by created_at.
type memPurger struct {
	mu      sync.Mutex
	entries []time.Time
	cutoffs []time.Time
	calls   int32
	fail    func(call int32) error
}

func (m *memPurger) DeleteEmotionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	call := atomic.AddInt32(&m.calls, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoffs = append(m.cutoffs, cutoff)
	if m.fail != nil {
		if err := m.fail(call); err != nil {
			return 0, err
		}
	}
	kept := m.entries[:0]
	var n int64
	for _, at := range m.entries {
		if at.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, at)
	}
	m.entries = kept
	return n, nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func TestRunOnceRetentionScenario(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	p := &memPurger{entries: []time.Time{
		now.Add(-40 * 24 * time.Hour),
		now.Add(-10 * 24 * time.Hour),
		now,
	}}

	s := New(p, Config{Retention: 30 * 24 * time.Hour}, quietLogger())
	s.Now = func() time.Time { return now }

	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 deleted, got %d", n)
	}
	if len(p.entries) != 2 {
		t.Errorf("Expected 2 remaining, got %d", len(p.entries))
	}
	if want := now.Add(-30 * 24 * time.Hour); !p.cutoffs[0].Equal(want) {
		t.Errorf("Expected cutoff %v, got %v", want, p.cutoffs[0])
	}

	// Repeating with the same clock deletes nothing
	n, err = s.RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Errorf("Expected (0, nil) on repeat, got (%d, %v)", n, err)
	}
}

func TestCutoffUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC-3", -3*60*60)
	s := New(&memPurger{}, Config{Retention: time.Hour}, quietLogger())
	s.Now = func() time.Time { return time.Date(2026, 1, 1, 10, 0, 0, 0, loc) }

	got := s.Cutoff()
	if got.Location() != time.UTC {
		t.Errorf("Expected UTC cutoff, got %v", got.Location())
	}
	if want := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestDefaults(t *testing.T) {
	s := New(&memPurger{}, Config{}, nil)
	if s.cfg.Retention != DefaultRetention || s.cfg.Interval != DefaultInterval {
		t.Errorf("Expected defaults, got %+v", s.cfg)
	}
	if s.State() != Idle {
		t.Errorf("Expected idle, got %v", s.State())
	}
}

func TestScheduleSurvivesStorageErrors(t *testing.T) {
	p := &memPurger{fail: func(call int32) error {
		if call == 1 {
			return errors.New("connection refused")
		}
		return nil
	}}

	s := New(p, Config{Interval: 5 * time.Millisecond}, quietLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(context.Background())

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&p.calls) < 3 {
		select {
		case <-deadline:
			t.Fatalf("Expected the schedule to keep firing after an error, got %d calls", atomic.LoadInt32(&p.calls))
		case <-time.After(time.Millisecond):
		}
	}
	if st := s.State(); st == Stopped {
		t.Errorf("Sweeper must not stop itself on error")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	s := New(&memPurger{}, Config{Interval: time.Hour}, quietLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrStarted) {
		t.Errorf("Expected ErrStarted, got %v", err)
	}

	s.Stop(context.Background())
	if s.State() != Stopped {
		t.Errorf("Expected stopped, got %v", s.State())
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}

	// Stop is idempotent
	s.Stop(context.Background())
}

// blockingPurger holds the sweep open until released and records whether
// its context was cancelled underneath it.
type blockingPurger struct {
	entered  chan struct{}
	release  chan struct{}
	finished chan error
	once     sync.Once
}

func (b *blockingPurger) DeleteEmotionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	first := false
	b.once.Do(func() { first = true })
	if !first {
		return 0, nil
	}
	close(b.entered)
	<-b.release
	b.finished <- ctx.Err()
	return 0, nil
}

func TestStopDoesNotInterruptInFlightSweep(t *testing.T) {
	b := &blockingPurger{
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
		finished: make(chan error, 1),
	}
	s := New(b, Config{Interval: 5 * time.Millisecond}, quietLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-b.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never started")
	}
	if s.State() != Running {
		t.Errorf("Expected running during sweep, got %v", s.State())
	}

	// Bounded wait: Stop returns even though the sweep is still blocked
	stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		s.Stop(stopCtx)
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not honour its deadline")
	}

	close(b.release)
	select {
	case err := <-b.finished:
		if err != nil {
			t.Errorf("In-flight sweep saw cancellation: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never finished")
	}
	if s.State() != Stopped {
		t.Errorf("Expected stopped after in-flight sweep completes, got %v", s.State())
	}
}

func TestParentContextEndsSchedule(t *testing.T) {
	p := &memPurger{}
	s := New(p, Config{Interval: time.Millisecond}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after parent cancellation")
	}
}

func TestNoSweepAfterCancellation(t *testing.T) {
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		// The first sweep cancels the schedule and outlasts several ticks,
		// so a tick is pending alongside cancellation when it returns.
		p := &memPurger{fail: func(call int32) error {
			if call == 1 {
				cancel()
				time.Sleep(5 * time.Millisecond)
			}
			return nil
		}}
		s := New(p, Config{Interval: time.Millisecond}, quietLogger())
		if err := s.Start(ctx); err != nil {
			t.Fatal(err)
		}

		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not exit after cancellation")
		}
		if n := atomic.LoadInt32(&p.calls); n != 1 {
			t.Fatalf("Iteration %d: expected 1 sweep, got %d", i, n)
		}
	}
}
