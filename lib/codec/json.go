// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CanonicalJSON encodes v as canonical JSON: object keys sorted
// lexicographically, no HTML escaping, no insignificant whitespace,
// numbers preserved exactly as their source literals.
//
// The value is marshaled once with encoding/json, then re-normalized
// through an any-typed round trip. encoding/json sorts map keys when
// marshaling map[string]any, which gives the sorted-key property for
// every object at every depth; json.Number preserves numeric literals
// so the round trip never reformats them.
func CanonicalJSON(v any) ([]byte, error) {
	first, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshaling for canonical form: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(first))
	decoder.UseNumber()
	var normalized any
	if err := decoder.Decode(&normalized); err != nil {
		return nil, fmt.Errorf("codec: normalizing canonical form: %w", err)
	}

	var out bytes.Buffer
	encoder := json.NewEncoder(&out)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(normalized); err != nil {
		return nil, fmt.Errorf("codec: encoding canonical form: %w", err)
	}

	return bytes.TrimSpace(out.Bytes()), nil
}
