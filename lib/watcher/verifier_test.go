// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/clock"
)

func waitForSweeps(t *testing.T, counter *atomic.Int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for counter.Load() < want {
		if time.Now().After(deadline) {
			t.Fatalf("sweeps = %d, want %d", counter.Load(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestVerifierIntervalClamping(t *testing.T) {
	var sweeps atomic.Int64
	sweep := func() { sweeps.Add(1) }

	if v := NewPeriodicVerifier(0, nil, nil, sweep); v.Interval() != DefaultVerifyInterval {
		t.Errorf("zero interval = %v, want default", v.Interval())
	}
	if v := NewPeriodicVerifier(10*time.Second, nil, nil, sweep); v.Interval() != MinimumVerifyInterval {
		t.Errorf("sub-minimum interval = %v, want minimum", v.Interval())
	}
	if v := NewPeriodicVerifier(10*time.Minute, nil, nil, sweep); v.Interval() != 10*time.Minute {
		t.Errorf("interval = %v, want 10m", v.Interval())
	}
}

func TestVerifierScheduledSweeps(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var sweeps atomic.Int64

	verifier := NewPeriodicVerifier(5*time.Minute, fakeClock, nil, func() {
		sweeps.Add(1)
	})
	verifier.Start()
	defer verifier.Stop()

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(5 * time.Minute)
	waitForSweeps(t, &sweeps, 1)

	fakeClock.Advance(5 * time.Minute)
	waitForSweeps(t, &sweeps, 2)
}

func TestVerifierTriggerNow(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var sweeps atomic.Int64

	verifier := NewPeriodicVerifier(5*time.Minute, fakeClock, nil, func() {
		sweeps.Add(1)
	})
	verifier.Start()
	defer verifier.Stop()

	fakeClock.WaitForTimers(1)
	verifier.TriggerNow()
	waitForSweeps(t, &sweeps, 1)

	// The schedule is undisturbed: the next tick still arrives on time.
	fakeClock.Advance(5 * time.Minute)
	waitForSweeps(t, &sweeps, 2)
}

func TestVerifierStop(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var sweeps atomic.Int64

	verifier := NewPeriodicVerifier(5*time.Minute, fakeClock, nil, func() {
		sweeps.Add(1)
	})
	verifier.Start()
	fakeClock.WaitForTimers(1)
	verifier.Stop()

	verifier.TriggerNow()
	time.Sleep(50 * time.Millisecond)
	if sweeps.Load() != 0 {
		t.Fatalf("sweep ran after Stop")
	}
}
