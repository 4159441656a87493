// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"log/slog"
	"time"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/clock"
)

// Periodic verification intervals. The sweep backstops the inotify
// path: changes made while the service was down, or dropped under
// event pressure, still surface within one interval.
const (
	DefaultVerifyInterval = 5 * time.Minute
	MinimumVerifyInterval = time.Minute
)

// PeriodicVerifier runs a full verification sweep on a fixed interval.
type PeriodicVerifier struct {
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	sweep    func()

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// NewPeriodicVerifier creates a verifier calling sweep every interval.
// Intervals below the minimum are clamped; zero selects the default.
func NewPeriodicVerifier(interval time.Duration, clk clock.Clock, logger *slog.Logger, sweep func()) *PeriodicVerifier {
	if interval <= 0 {
		interval = DefaultVerifyInterval
	}
	if interval < MinimumVerifyInterval {
		interval = MinimumVerifyInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PeriodicVerifier{
		interval: interval,
		clock:    clk,
		logger:   logger,
		sweep:    sweep,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Interval returns the effective sweep interval after clamping.
func (v *PeriodicVerifier) Interval() time.Duration { return v.interval }

// Start launches the sweep loop.
func (v *PeriodicVerifier) Start() {
	go v.loop()
}

// TriggerNow requests an immediate sweep without disturbing the
// schedule. Requests arriving while a trigger is already queued
// coalesce.
func (v *PeriodicVerifier) TriggerNow() {
	select {
	case v.trigger <- struct{}{}:
	default:
	}
}

// Stop shuts the loop down and waits for any running sweep to finish.
func (v *PeriodicVerifier) Stop() {
	close(v.stop)
	<-v.done
}

func (v *PeriodicVerifier) loop() {
	defer close(v.done)

	ticker := v.clock.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-v.stop:
			return
		case <-ticker.C:
			v.runSweep("scheduled")
		case <-v.trigger:
			v.runSweep("requested")
		}
	}
}

func (v *PeriodicVerifier) runSweep(reason string) {
	started := v.clock.Now()
	v.sweep()
	v.logger.Debug("verification sweep complete",
		"reason", reason, "elapsed", v.clock.Now().Sub(started))
}
