// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"errors"
	"testing"
)

func TestResponseTable(t *testing.T) {
	cases := []struct {
		mode   Mode
		change ChangeType
		want   Action
	}{
		{ModeMonitorOnly, ChangeContentModified, ActionLogOnly},
		{ModeMonitorOnly, ChangeDeleted, ActionLogOnly},
		{ModeAlert, ChangeContentModified, ActionNotify},
		{ModeAlert, ChangePermissionsChanged, ActionNotify},
		{ModeAutoRestore, ChangeContentModified, ActionRestoreContent},
		{ModeAutoRestore, ChangePermissionsChanged, ActionRestorePermissions},
		{ModeAutoRestore, ChangeDeleted, ActionRestoreContent},
		{ModeAutoRestore, ChangeRenamed, ActionLogOnly},
		{ModeAutoRestore, ChangeCreated, ActionNotify},
		{ModeSealed, ChangeContentModified, ActionBlock},
		{ModeSealed, ChangeCreated, ActionBlock},
	}
	for _, c := range cases {
		p := Default(c.mode)
		action, ok := p.ActionFor(c.change)
		if !ok {
			t.Errorf("%s/%s: no action", c.mode, c.change)
			continue
		}
		if action != c.want {
			t.Errorf("%s/%s = %s, want %s", c.mode, c.change, action, c.want)
		}
	}
}

func TestOverridesBeatTable(t *testing.T) {
	p := Default(ModeMonitorOnly)
	p.Overrides = map[ChangeType]Action{
		ChangeDeleted: ActionRestoreContent,
	}

	action, ok := p.ActionFor(ChangeDeleted)
	if !ok || action != ActionRestoreContent {
		t.Fatalf("overridden action = %s (%v), want restore_content", action, ok)
	}
	action, ok = p.ActionFor(ChangeContentModified)
	if !ok || action != ActionLogOnly {
		t.Fatalf("table action = %s (%v), want log_only", action, ok)
	}
}

func TestSilentDowngradesNotify(t *testing.T) {
	p := Default(ModeAlert)
	p.Silent = true

	action, ok := p.ActionFor(ChangeContentModified)
	if !ok || action != ActionLogOnly {
		t.Fatalf("silent alert = %s, want log_only", action)
	}

	// Silent must not weaken sealed mode.
	sealed := Default(ModeSealed)
	sealed.Silent = true
	action, ok = sealed.ActionFor(ChangeContentModified)
	if !ok || action != ActionBlock {
		t.Fatalf("silent sealed = %s, want block", action)
	}
}

func TestExclusions(t *testing.T) {
	p := Default(ModeAlert)
	p.Exclusions = []string{"*.generated"}

	excluded := []string{
		"/data/report.tmp",
		"/data/.DS_Store",
		"/data/edit.swp",
		"/data/notes.txt~back.bak",
		"/data/deep/nested/output.log",
		"/data/schema.generated",
	}
	for _, filePath := range excluded {
		if !p.Excluded(filePath) {
			t.Errorf("%s not excluded", filePath)
		}
	}

	included := []string{
		"/data/report.pdf",
		"/data/tmp",          // no extension, not a *.tmp match
		"/data/log/data.txt", // pattern matches base names only
	}
	for _, filePath := range included {
		if p.Excluded(filePath) {
			t.Errorf("%s wrongly excluded", filePath)
		}
	}
}

func TestModeValid(t *testing.T) {
	for _, mode := range []Mode{ModeMonitorOnly, ModeAlert, ModeAutoRestore, ModeSealed} {
		if !mode.Valid() {
			t.Errorf("%s reported invalid", mode)
		}
	}
	if Mode("paranoid").Valid() {
		t.Error("unknown mode reported valid")
	}
}

func TestEngineEvaluate(t *testing.T) {
	engine := NewEngine(nil)
	p := Default(ModeAutoRestore)

	decision := engine.Evaluate(p, ChangeContentModified, "/data/ledger.db")
	if decision.Excluded || decision.Action != ActionRestoreContent {
		t.Fatalf("decision = %+v", decision)
	}

	decision = engine.Evaluate(p, ChangeContentModified, "/data/ledger.db.tmp")
	if !decision.Excluded {
		t.Fatalf("excluded path evaluated to %+v", decision)
	}

	// Unknown mode falls back to log_only rather than dropping.
	decision = engine.Evaluate(Policy{Mode: "paranoid"}, ChangeDeleted, "/data/x")
	if decision.Excluded || decision.Action != ActionLogOnly {
		t.Fatalf("fallback decision = %+v", decision)
	}
}

func TestEngineExecute(t *testing.T) {
	engine := NewEngine(nil)
	p := Default(ModeAlert)

	var gotPath string
	var gotChange ChangeType
	engine.Handle(ActionNotify, func(filePath string, change ChangeType, _ Policy) error {
		gotPath = filePath
		gotChange = change
		return nil
	})

	decision := engine.Evaluate(p, ChangeDeleted, "/data/keys.json")
	if err := engine.Execute(decision, "/data/keys.json", ChangeDeleted, p); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotPath != "/data/keys.json" || gotChange != ChangeDeleted {
		t.Fatalf("handler saw %q/%q", gotPath, gotChange)
	}

	// Excluded decisions are a no-op even with no handler.
	if err := engine.Execute(Decision{Excluded: true}, "/x", ChangeCreated, p); err != nil {
		t.Fatalf("excluded Execute: %v", err)
	}

	// Missing handler is an error.
	if err := engine.Execute(Decision{Action: ActionBlock}, "/x", ChangeCreated, p); err == nil {
		t.Fatal("Execute without handler succeeded")
	}
}

func TestEngineExecuteHandlerError(t *testing.T) {
	engine := NewEngine(nil)
	sentinel := errors.New("restore failed")
	engine.Handle(ActionRestoreContent, func(string, ChangeType, Policy) error {
		return sentinel
	})

	err := engine.Execute(Decision{Action: ActionRestoreContent}, "/x", ChangeContentModified, Default(ModeAutoRestore))
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want wrapped sentinel", err)
	}
}
