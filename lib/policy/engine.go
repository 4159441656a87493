// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"log/slog"
	"sync"
)

// Decision is the outcome of evaluating a change against a policy.
type Decision struct {
	// Action to execute. Empty when Excluded.
	Action Action
	// Excluded means the path matched an exclusion pattern and the
	// change should be ignored entirely.
	Excluded bool
}

// Handler executes a response action for a path. The change that
// triggered it is passed for context.
type Handler func(filePath string, change ChangeType, p Policy) error

// Engine evaluates policies and dispatches actions to registered
// handlers. Evaluation is pure; execution side effects live in the
// handlers the service registers.
type Engine struct {
	mu       sync.RWMutex
	handlers map[Action]Handler
	logger   *slog.Logger
}

// NewEngine returns an engine with no handlers registered.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		handlers: make(map[Action]Handler),
		logger:   logger,
	}
}

// Handle registers the handler for an action, replacing any previous
// registration.
func (e *Engine) Handle(action Action, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[action] = handler
}

// Evaluate maps a change on a path to a decision under the given
// policy.
func (e *Engine) Evaluate(p Policy, change ChangeType, filePath string) Decision {
	if p.Excluded(filePath) {
		return Decision{Excluded: true}
	}
	action, ok := p.ActionFor(change)
	if !ok {
		// Unknown mode or change type: surface rather than drop.
		e.logger.Warn("no policy response",
			"mode", p.Mode, "change", change, "path", filePath)
		return Decision{Action: ActionLogOnly}
	}
	return Decision{Action: action}
}

// Execute runs the handler registered for the decision's action. An
// excluded decision is a no-op. A missing handler is an error: the
// service is expected to register one per action it can take.
func (e *Engine) Execute(decision Decision, filePath string, change ChangeType, p Policy) error {
	if decision.Excluded {
		return nil
	}

	e.mu.RLock()
	handler := e.handlers[decision.Action]
	e.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("policy: no handler registered for action %q", decision.Action)
	}
	if err := handler(filePath, change, p); err != nil {
		return fmt.Errorf("policy: executing %s for %s: %w", decision.Action, filePath, err)
	}
	return nil
}
