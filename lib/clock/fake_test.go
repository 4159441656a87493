// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func testFake() *FakeClock {
	return Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestAfterFuncStopThenResetFiresOnce(t *testing.T) {
	c := testFake()

	fired := 0
	timer := c.AfterFunc(time.Second, func() { fired++ })

	if !timer.Stop() {
		t.Fatal("Stop should report the timer was active")
	}
	if timer.Reset(time.Second) {
		t.Error("Reset after Stop should report the timer was inactive")
	}

	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired %d times, want 1", fired)
	}

	// The reset registered a single waiter, so nothing is left to
	// fire again.
	c.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("fired %d times after second advance, want 1", fired)
	}
}

func TestAfterFuncStoppedTimerDoesNotFire(t *testing.T) {
	c := testFake()

	fired := 0
	timer := c.AfterFunc(time.Second, func() { fired++ })
	if !timer.Stop() {
		t.Fatal("Stop should report the timer was active")
	}

	c.Advance(time.Hour)
	if fired != 0 {
		t.Fatalf("fired %d times, want 0", fired)
	}
	if c.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0", c.PendingCount())
	}
}

func TestAfterFuncResetAfterFiring(t *testing.T) {
	c := testFake()

	fired := 0
	timer := c.AfterFunc(time.Second, func() { fired++ })

	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired %d times, want 1", fired)
	}

	if timer.Reset(2 * time.Second) {
		t.Error("Reset after firing should report the timer was inactive")
	}
	c.Advance(2 * time.Second)
	if fired != 2 {
		t.Fatalf("fired %d times after reset, want 2", fired)
	}
}
