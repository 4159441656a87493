// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	input := map[string]any{
		"zebra":  1,
		"apple":  2,
		"mango":  map[string]any{"z": true, "a": false},
		"number": 42,
	}

	got, err := CanonicalJSON(input)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}

	want := `{"apple":2,"mango":{"a":false,"z":true},"number":42,"zebra":1}`
	if string(got) != want {
		t.Errorf("CanonicalJSON = %s, want %s", got, want)
	}
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	input := map[string]any{
		"path":   "/etc/hosts",
		"size":   1024,
		"nested": map[string]any{"b": "x", "a": "y"},
	}

	first, err := CanonicalJSON(input)
	if err != nil {
		t.Fatalf("first CanonicalJSON: %v", err)
	}
	second, err := CanonicalJSON(input)
	if err != nil {
		t.Fatalf("second CanonicalJSON: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("not deterministic: %s != %s", first, second)
	}
}

func TestCanonicalJSONStructAndMapAgree(t *testing.T) {
	type record struct {
		Path string `json:"path"`
		Size int64  `json:"size"`
	}

	fromStruct, err := CanonicalJSON(record{Path: "/tmp/a", Size: 7})
	if err != nil {
		t.Fatalf("CanonicalJSON struct: %v", err)
	}
	fromMap, err := CanonicalJSON(map[string]any{"size": 7, "path": "/tmp/a"})
	if err != nil {
		t.Fatalf("CanonicalJSON map: %v", err)
	}

	if !bytes.Equal(fromStruct, fromMap) {
		t.Errorf("struct and map encodings differ: %s != %s", fromStruct, fromMap)
	}
}

func TestCanonicalJSONNoHTMLEscaping(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{"cmd": "a <b> & c"})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"cmd":"a <b> & c"}`
	if string(got) != want {
		t.Errorf("CanonicalJSON = %s, want %s", got, want)
	}
}

func TestCBORRoundTrip(t *testing.T) {
	type payload struct {
		ID    string            `cbor:"1,keyasint"`
		Count int64             `cbor:"2,keyasint"`
		Tags  map[string]string `cbor:"3,keyasint,omitempty"`
	}

	original := payload{ID: "abc123", Count: 9, Tags: map[string]string{"k": "v"}}
	encoded, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded payload
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.ID != original.ID || decoded.Count != original.Count || decoded.Tags["k"] != "v" {
		t.Errorf("round trip mismatch: %+v != %+v", decoded, original)
	}
}

func TestCBORDeterministic(t *testing.T) {
	value := map[string]any{"b": 1, "a": 2, "c": []any{"x", "y"}}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("CBOR encoding not deterministic")
	}
}
