package connwatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func fastBackoff() Backoff {
	return Backoff{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   3,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 50 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWatcherBecomesReadyOnFirstProbe(t *testing.T) {
	m := NewManager(nil)
	defer m.Stop()

	var readyCalls atomic.Int64
	w := m.Watch(context.Background(), WatcherConfig{
		Name:    "hub",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: fastBackoff(),
		OnReady: func() { readyCalls.Add(1) },
	})

	waitFor(t, w.IsReady)
	waitFor(t, func() bool { return readyCalls.Load() == 1 })
}

func TestWatcherRetriesUntilProbeSucceeds(t *testing.T) {
	m := NewManager(nil)
	defer m.Stop()

	var attempts atomic.Int64
	w := m.Watch(context.Background(), WatcherConfig{
		Name: "model",
		Probe: func(ctx context.Context) error {
			if attempts.Add(1) < 3 {
				return errors.New("connection refused")
			}
			return nil
		},
		Backoff: fastBackoff(),
	})

	waitFor(t, w.IsReady)
	if got := attempts.Load(); got < 3 {
		t.Errorf("attempts = %d, want at least 3", got)
	}
}

func TestWatcherReportsDownAndRecovers(t *testing.T) {
	m := NewManager(nil)
	defer m.Stop()

	var failing atomic.Bool
	var downCalls, readyCalls atomic.Int64
	w := m.Watch(context.Background(), WatcherConfig{
		Name: "hub",
		Probe: func(ctx context.Context) error {
			if failing.Load() {
				return errors.New("timeout")
			}
			return nil
		},
		Backoff: fastBackoff(),
		OnReady: func() { readyCalls.Add(1) },
		OnDown:  func(err error) { downCalls.Add(1) },
	})

	waitFor(t, w.IsReady)

	failing.Store(true)
	waitFor(t, func() bool { return !w.IsReady() })
	waitFor(t, func() bool { return downCalls.Load() >= 1 })

	st := w.Status()
	if st.Ready {
		t.Error("Status().Ready = true, want false")
	}
	if st.LastError == "" {
		t.Error("Status().LastError is empty, want failure message")
	}

	failing.Store(false)
	waitFor(t, w.IsReady)
	waitFor(t, func() bool { return readyCalls.Load() >= 2 })
}

func TestWatcherEntersPollingAfterStartupFailures(t *testing.T) {
	m := NewManager(nil)
	defer m.Stop()

	var failing atomic.Bool
	failing.Store(true)
	w := m.Watch(context.Background(), WatcherConfig{
		Name: "broker",
		Probe: func(ctx context.Context) error {
			if failing.Load() {
				return errors.New("unreachable")
			}
			return nil
		},
		Backoff: fastBackoff(),
	})

	// Exhaust the startup attempts, then recover during polling.
	time.Sleep(20 * time.Millisecond)
	if w.IsReady() {
		t.Fatal("watcher ready while probe still failing")
	}

	failing.Store(false)
	waitFor(t, w.IsReady)
}

func TestManagerStatus(t *testing.T) {
	m := NewManager(nil)
	defer m.Stop()

	m.Watch(context.Background(), WatcherConfig{
		Name:    "hub",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: fastBackoff(),
	})
	m.Watch(context.Background(), WatcherConfig{
		Name:    "model",
		Probe:   func(ctx context.Context) error { return errors.New("down") },
		Backoff: fastBackoff(),
	})

	waitFor(t, func() bool {
		st := m.Status()
		return len(st) == 2 && st["hub"].Ready
	})

	st := m.Status()
	if st["model"].Name != "model" {
		t.Errorf("status name = %q, want %q", st["model"].Name, "model")
	}
}

func TestWatchPanicsOnMissingFields(t *testing.T) {
	m := NewManager(nil)

	assertPanics := func(name string, cfg WatcherConfig) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Errorf("%s: Watch did not panic", name)
			}
		}()
		m.Watch(context.Background(), cfg)
	}

	assertPanics("empty name", WatcherConfig{Probe: func(ctx context.Context) error { return nil }})
	assertPanics("nil probe", WatcherConfig{Name: "hub"})
}
