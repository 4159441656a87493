// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"log/slog"
	"time"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/policy"
)

// Notification describes a tamper response worth telling a human about.
type Notification struct {
	Path    string            `json:"path"`
	Change  policy.ChangeType `json:"change"`
	Action  policy.Action     `json:"action"`
	Message string            `json:"message"`
	Time    time.Time         `json:"time"`
}

// Notifier delivers notifications. Implementations must not block:
// delivery happens on the event-handling path.
type Notifier interface {
	Notify(n Notification)
}

// LogNotifier writes notifications to a logger. The default when no
// other channel is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier builds a notifier over the given logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(notification Notification) {
	n.logger.Warn("tamper alert",
		"path", notification.Path,
		"change", notification.Change,
		"action", notification.Action,
		"message", notification.Message,
	)
}
