package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
)

func TestRecorderWritesHeaderAndEvents(t *testing.T) {
	var buf bytes.Buffer
	r, err := NewRecorderWriter(&buf, "sess-1", "ws://example/ws")
	if err != nil {
		t.Fatalf("failed to create recorder: %v", err)
	}

	if err := r.Record(DirectionOut, []byte(`{"type":"init"}`)); err != nil {
		t.Fatalf("failed to record: %v", err)
	}
	if err := r.Record(DirectionIn, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("failed to record: %v", err)
	}

	scanner := bufio.NewScanner(&buf)

	if !scanner.Scan() {
		t.Fatal("missing header line")
	}
	var header Header
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		t.Fatalf("failed to parse header: %v", err)
	}
	if header.Version != 1 || header.SessionID != "sess-1" || header.Endpoint != "ws://example/ws" {
		t.Errorf("header mismatch: %+v", header)
	}

	var events []Event
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("failed to parse event line: %v", err)
		}
		events = append(events, e)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Direction != DirectionOut || events[0].Payload != `{"type":"init"}` {
		t.Errorf("event 0 mismatch: %+v", events[0])
	}
	if events[1].Direction != DirectionIn || events[1].Payload != `{"type":"ping"}` {
		t.Errorf("event 1 mismatch: %+v", events[1])
	}
	if events[1].TimeOffset < events[0].TimeOffset {
		t.Error("event offsets must be non-decreasing")
	}
}

func TestEventRoundTrip(t *testing.T) {
	e := Event{TimeOffset: 1.25, Direction: DirectionIn, Payload: `{"x":1}`}

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}

	var parsed Event
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal event: %v", err)
	}
	if parsed != e {
		t.Errorf("round trip mismatch: %+v != %+v", parsed, e)
	}
}

func TestEventUnmarshalRejectsBadShapes(t *testing.T) {
	var e Event
	if err := json.Unmarshal([]byte(`[1.0,"in"]`), &e); err == nil {
		t.Error("expected error for 2-element event")
	}
	if err := json.Unmarshal([]byte(`["x","in","y"]`), &e); err == nil {
		t.Error("expected error for non-numeric offset")
	}
}
