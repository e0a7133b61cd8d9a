package netmon

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"
)

func quietMonitor(cfg Config) *Monitor {
	cfg.Logger = log.New(io.Discard, "", 0)
	return New(nil, cfg)
}

// TestOfflinePublishesImmediately verifies loss of connectivity is announced
// without debounce.
func TestOfflinePublishesImmediately(t *testing.T) {
	m := quietMonitor(Config{AssumeOnline: true, Debounce: time.Hour})

	var transitions []bool
	m.Subscribe(func(online bool) { transitions = append(transitions, online) })

	m.Observe(false)
	if m.IsOnline() {
		t.Error("monitor still reports online after offline observation")
	}
	if len(transitions) != 1 || transitions[0] != false {
		t.Errorf("transitions = %v, want [false]", transitions)
	}

	// A second offline observation is not a transition.
	m.Observe(false)
	if len(transitions) != 1 {
		t.Errorf("repeated offline observation re-published: %v", transitions)
	}
}

// TestRecoveryDebounced verifies the online transition waits for the
// debounce window and fires exactly once.
func TestRecoveryDebounced(t *testing.T) {
	m := quietMonitor(Config{AssumeOnline: true, Debounce: 50 * time.Millisecond})

	var transitions []bool
	m.Subscribe(func(online bool) { transitions = append(transitions, online) })

	m.Observe(false)

	// First good probe opens the window but publishes nothing.
	m.Observe(true)
	if m.IsOnline() {
		t.Error("recovery published before debounce window elapsed")
	}

	// Probes inside the window still publish nothing.
	m.Observe(true)
	if m.IsOnline() {
		t.Error("recovery published inside debounce window")
	}

	time.Sleep(60 * time.Millisecond)
	m.Observe(true)
	if !m.IsOnline() {
		t.Fatal("recovery not published after debounce window")
	}

	// Further good probes publish nothing more.
	m.Observe(true)
	m.Observe(true)

	if len(transitions) != 2 || transitions[0] != false || transitions[1] != true {
		t.Errorf("transitions = %v, want [false true]", transitions)
	}
}

// TestFlappingResetsDebounce verifies a drop inside the debounce window
// cancels the pending recovery.
func TestFlappingResetsDebounce(t *testing.T) {
	m := quietMonitor(Config{AssumeOnline: true, Debounce: 50 * time.Millisecond})

	online := 0
	m.Subscribe(func(up bool) {
		if up {
			online++
		}
	})

	m.Observe(false)
	m.Observe(true)
	m.Observe(false) // flap: recovery cancelled
	time.Sleep(60 * time.Millisecond)
	m.Observe(true) // new window opens here
	if m.IsOnline() {
		t.Error("flapping link should restart the debounce window")
	}
	time.Sleep(60 * time.Millisecond)
	m.Observe(true)
	if !m.IsOnline() {
		t.Error("recovery should publish after a stable window")
	}
	if online != 1 {
		t.Errorf("online fired %d times, want exactly 1", online)
	}
}

// TestSetOnlineBypassesDebounce verifies the explicit override publishes
// immediately.
func TestSetOnlineBypassesDebounce(t *testing.T) {
	m := quietMonitor(Config{Debounce: time.Hour})

	var transitions []bool
	m.Subscribe(func(online bool) { transitions = append(transitions, online) })

	m.SetOnline(true)
	if !m.IsOnline() {
		t.Error("SetOnline(true) did not take effect")
	}
	m.SetOnline(true) // no-op, no transition
	m.SetOnline(false)

	if len(transitions) != 2 || transitions[0] != true || transitions[1] != false {
		t.Errorf("transitions = %v, want [true false]", transitions)
	}
}

// TestUnsubscribe verifies a removed subscriber receives nothing further.
func TestUnsubscribe(t *testing.T) {
	m := quietMonitor(Config{})

	calls := 0
	unsubscribe := m.Subscribe(func(bool) { calls++ })

	m.SetOnline(true)
	unsubscribe()
	m.SetOnline(false)

	if calls != 1 {
		t.Errorf("subscriber called %d times, want 1", calls)
	}
}

// TestRunProbes verifies Run drives the prober and stops on cancel.
func TestRunProbes(t *testing.T) {
	probes := make(chan struct{}, 16)
	prober := ProbeFunc(func(ctx context.Context) error {
		select {
		case probes <- struct{}{}:
		default:
		}
		return fmt.Errorf("unreachable")
	})

	m := New(prober, Config{
		Interval:     10 * time.Millisecond,
		AssumeOnline: true,
		Logger:       log.New(io.Discard, "", 0),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// Wait for at least two probes (the up-front one plus a tick).
	for i := 0; i < 2; i++ {
		select {
		case <-probes:
		case <-time.After(time.Second):
			t.Fatal("prober was not invoked")
		}
	}
	if m.IsOnline() {
		t.Error("failing prober should have flipped the monitor offline")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
