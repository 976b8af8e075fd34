// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"io"
	"testing"
)

type request struct {
	Action string `cbor:"action"`
	Target string `cbor:"target,omitempty"`
}

type workerSummary struct {
	Name      string   `json:"name"`
	Functions []string `json:"functions"`
}

func TestDeterministicEncoding(t *testing.T) {
	// Map iteration order is random; the encoding must not be.
	value := map[string]any{"target": "node-1", "action": "availability", "locked": true}
	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding changed between calls: %x != %x", first, again)
		}
	}
}

func TestJSONTagFallback(t *testing.T) {
	data, err := Marshal(workerSummary{Name: "host_manager", Functions: []string{"stop:ci"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var generic map[string]any
	if err := Unmarshal(data, &generic); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if generic["name"] != "host_manager" {
		t.Errorf("json tag not honoured: %v", generic)
	}
}

func TestAnyDecodesToStringKeyedMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"worker": map[string]any{"alive": true}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded %T, want map[string]any", decoded)
	}
	if _, ok := outer["worker"].(map[string]any); !ok {
		t.Fatalf("nested value %T, want map[string]any", outer["worker"])
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	data, err := Marshal(map[string]any{"action": "status", "extra": 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded request
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Action != "status" {
		t.Errorf("Action = %q", decoded.Action)
	}
}

func TestStreamRoundtrip(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	sent := []request{{Action: "status"}, {Action: "availability", Target: "node-1"}}
	for _, r := range sent {
		if err := encoder.Encode(r); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i, want := range sent {
		var got request
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		if got != want {
			t.Errorf("message %d = %+v, want %+v", i, got, want)
		}
	}
	var extra request
	if err := decoder.Decode(&extra); err != io.EOF {
		t.Errorf("trailing Decode error = %v, want io.EOF", err)
	}
}
