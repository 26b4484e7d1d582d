package sinks

import (
	"bytes"
	"encoding/json"
	"testing"

	"orbitcut/server/logging"
)

func TestJSONSinkMarksContractViolationsFatal(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSON(&buf, 0)

	if err := sink.Write(logging.Event{Type: logging.EventContractViolation, Tick: 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["fatal"] != true {
		t.Fatalf("got fatal=%v, want true for a contract violation", decoded["fatal"])
	}
}

func TestJSONSinkOmitsFatalForRoutineEvents(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSON(&buf, 0)

	if err := sink.Write(logging.Event{Type: logging.EventCutRefine, Tick: 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, present := decoded["fatal"]; present {
		t.Fatalf("got fatal present for a routine event, want it omitted")
	}
}
