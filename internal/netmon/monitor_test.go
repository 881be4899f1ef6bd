package netmon

import (
	"testing"
	"time"

	"civicbeacon/internal/config"
	"civicbeacon/internal/model"
)

func testMonitor() *Monitor {
	cfg := config.DefaultConfig()
	cfg.Network.LatencyThreshold = 500 * time.Millisecond
	cfg.Network.FailureStreak = 3
	cfg.Network.ConfirmWindow = 50 * time.Millisecond
	return NewMonitor(config.NewStaticManager(cfg), nil, nil)
}

func TestThreeSlowSamplesGoOffline(t *testing.T) {
	m := testMonitor()
	if m.Record(600*time.Millisecond, false) != model.ModeOnline {
		t.Fatalf("one slow sample must not switch mode")
	}
	if m.Record(700*time.Millisecond, false) != model.ModeOnline {
		t.Fatalf("two slow samples must not switch mode")
	}
	if m.Record(800*time.Millisecond, false) != model.ModeOffline {
		t.Fatalf("three consecutive slow samples must switch offline")
	}
}

func TestFailedProbesCountAsSlow(t *testing.T) {
	m := testMonitor()
	for i := 0; i < 3; i++ {
		m.Record(0, true)
	}
	if m.Mode() != model.ModeOffline {
		t.Fatalf("three failed probes must switch offline")
	}
}

func TestFastSampleBreaksStreak(t *testing.T) {
	m := testMonitor()
	m.Record(600*time.Millisecond, false)
	m.Record(700*time.Millisecond, false)
	m.Record(100*time.Millisecond, false)
	m.Record(800*time.Millisecond, false)
	if m.Mode() != model.ModeOnline {
		t.Fatalf("interrupted streak must stay online")
	}
}

func TestSingleFastSampleRestoresOnline(t *testing.T) {
	m := testMonitor()
	for i := 0; i < 3; i++ {
		m.Record(time.Second, false)
	}
	if m.Mode() != model.ModeOffline {
		t.Fatalf("setup: expected offline")
	}
	if m.Record(50*time.Millisecond, false) != model.ModeOnline {
		t.Fatalf("one fast sample must restore online")
	}
}

func TestSyncReadyWaitsForConfirmWindow(t *testing.T) {
	m := testMonitor()
	for i := 0; i < 3; i++ {
		m.Record(time.Second, false)
	}
	m.Record(50*time.Millisecond, false)
	if m.SyncReady() {
		t.Fatalf("sync must wait out the confirmation window")
	}
	time.Sleep(60 * time.Millisecond)
	if !m.SyncReady() {
		t.Fatalf("sync should be ready after the confirmation window")
	}
}

func TestSyncNotReadyOffline(t *testing.T) {
	m := testMonitor()
	for i := 0; i < 3; i++ {
		m.Record(0, true)
	}
	if m.SyncReady() {
		t.Fatalf("offline device must not sync")
	}
}

func TestTransitionCallbackFires(t *testing.T) {
	m := testMonitor()
	var transitions []model.Mode
	m.OnTransition(func(mode model.Mode) { transitions = append(transitions, mode) })
	for i := 0; i < 3; i++ {
		m.Record(time.Second, false)
	}
	m.Record(10*time.Millisecond, false)
	if len(transitions) != 2 || transitions[0] != model.ModeOffline || transitions[1] != model.ModeOnline {
		t.Fatalf("unexpected transitions %v", transitions)
	}
}

func TestRollingWindowKeepsThreeSamples(t *testing.T) {
	m := testMonitor()
	for i := 0; i < 10; i++ {
		m.Record(time.Duration(i)*time.Millisecond, false)
	}
	if got := len(m.Samples()); got != 3 {
		t.Fatalf("expected 3 retained samples, got %d", got)
	}
}
