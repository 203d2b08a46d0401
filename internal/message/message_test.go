package message

import (
	"errors"
	"testing"
)

func TestDecodeFlatShape(t *testing.T) {
	raw := []byte(`{"type":"agent_final","id":"m1","timestamp":1700000000000,"data":{"text":"done"},"session_id":"s1"}`)

	m, err := Decode(raw)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if m.Type != TypeAgentFinal {
		t.Errorf("expected type agent_final, got %s", m.Type)
	}
	if m.ID != "m1" || m.Timestamp != 1700000000000 || m.SessionID != "s1" {
		t.Errorf("envelope fields mismatch: %+v", m)
	}
	if m.Text() != "done" {
		t.Errorf("expected text %q, got %q", "done", m.Text())
	}
}

func TestDecodeNestedShape(t *testing.T) {
	raw := []byte(`{"id":"m2","data":{"type":"agent_partial","text":"thinking"}}`)

	m, err := Decode(raw)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if m.Type != TypeAgentPartial {
		t.Errorf("expected type agent_partial, got %s", m.Type)
	}
	if m.Text() != "thinking" {
		t.Errorf("expected nested text preserved, got %q", m.Text())
	}
	if _, ok := m.Data["type"]; ok {
		t.Error("nested type discriminator should not leak into data")
	}
}

func TestDecodeHoistsTopLevelError(t *testing.T) {
	raw := []byte(`{"type":"error","error":"boom","data":{}}`)

	m, err := Decode(raw)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if m.ErrorText() != "boom" {
		t.Errorf("expected hoisted error text, got %q", m.ErrorText())
	}
}

func TestDecodeRejectsEmptyObject(t *testing.T) {
	if _, err := Decode([]byte(`{}`)); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("expected ErrEmptyPayload, got %v", err)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	cases := [][]byte{
		[]byte(`{"type":"bogus","data":{}}`),
		[]byte(`{"data":{"type":"bogus","text":"x"}}`),
	}
	for _, raw := range cases {
		if _, err := Decode(raw); !errors.Is(err, ErrUnknownType) {
			t.Errorf("expected ErrUnknownType for %s, got %v", raw, err)
		}
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	if _, err := Decode([]byte(`not json`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestNewStampsIdentity(t *testing.T) {
	m := New(TypeUser, map[string]any{"text": "hi"})
	if m.ID == "" {
		t.Error("expected generated id")
	}
	if m.Timestamp == 0 {
		t.Error("expected timestamp stamp")
	}

	other := New(TypeUser, nil)
	if other.ID == m.ID {
		t.Error("ids must be unique per message")
	}
	if other.Data == nil {
		t.Error("nil data should be replaced with an empty map")
	}
}

func TestNewWithIDReusesLogicalID(t *testing.T) {
	m := NewWithID(TypeAgentPartial, map[string]any{"text": "a"}, "stream-1")
	if m.ID != "stream-1" {
		t.Errorf("expected reused id, got %s", m.ID)
	}
}

func TestTypeValid(t *testing.T) {
	for _, typ := range []Type{
		TypeInit, TypeUser, TypeLoadCode, TypeAgentPartial, TypeAgentFinal,
		TypeUpdateInProgress, TypeUpdateFile, TypeUpdateCompleted, TypePing, TypeError,
	} {
		if !typ.Valid() {
			t.Errorf("expected %s to be valid", typ)
		}
	}
	if Type("edit_code").Valid() {
		t.Error("types outside the closed set must be invalid")
	}
}
