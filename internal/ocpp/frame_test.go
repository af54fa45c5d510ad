package ocpp

import (
	"encoding/json"
	"testing"
)

func TestParseCallFrame(t *testing.T) {
	raw := []byte(`[2,"19223201","BootNotification",{"chargePointVendor":"VendorX"}]`)

	msg, err := NewParser().Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.MessageType != MessageTypeCall {
		t.Fatalf("expected CALL, got %d", msg.MessageType)
	}
	if msg.UniqueID != "19223201" {
		t.Fatalf("unexpected unique id %q", msg.UniqueID)
	}
	if msg.Action != "BootNotification" {
		t.Fatalf("unexpected action %q", msg.Action)
	}

	var payload map[string]string
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["chargePointVendor"] != "VendorX" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestParseCallResultFrame(t *testing.T) {
	raw := []byte(`[3,"msg-1",{"status":"Accepted"}]`)

	msg, err := NewParser().Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.MessageType != MessageTypeCallResult {
		t.Fatalf("expected CALLRESULT, got %d", msg.MessageType)
	}
	if string(msg.Payload) != `{"status":"Accepted"}` {
		t.Fatalf("unexpected payload %s", msg.Payload)
	}
}

func TestParseCallErrorFrame(t *testing.T) {
	raw := []byte(`[4,"msg-2","NotImplemented","action unknown",{}]`)

	msg, err := NewParser().Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.MessageType != MessageTypeCallError {
		t.Fatalf("expected CALLERROR, got %d", msg.MessageType)
	}
	if msg.ErrorCode != "NotImplemented" || msg.ErrorDescription != "action unknown" {
		t.Fatalf("unexpected error fields %q %q", msg.ErrorCode, msg.ErrorDescription)
	}
}

func TestParseRejectsMalformedFrames(t *testing.T) {
	cases := [][]byte{
		[]byte(`{"not":"an array"}`),
		[]byte(`[2,"id"]`),
		[]byte(`[7,"id","Action",{}]`),
		[]byte(`[2,"id","Action"]`),
	}
	for _, raw := range cases {
		if _, err := NewParser().Parse(raw); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestBuildFramesRoundTrip(t *testing.T) {
	call, err := BuildCall("u-1", "Reset", map[string]string{"type": "Hard"})
	if err != nil {
		t.Fatalf("build call: %v", err)
	}
	msg, err := NewParser().Parse(call)
	if err != nil {
		t.Fatalf("parse built call: %v", err)
	}
	if msg.Action != "Reset" || msg.UniqueID != "u-1" {
		t.Fatalf("unexpected frame %+v", msg)
	}

	result, err := BuildCallResult("u-1", nil)
	if err != nil {
		t.Fatalf("build call result: %v", err)
	}
	if string(result) != `[3,"u-1",{}]` {
		t.Fatalf("unexpected result frame %s", result)
	}

	callErr, err := BuildCallError("u-1", "InternalError", "boom")
	if err != nil {
		t.Fatalf("build call error: %v", err)
	}
	msg, err = NewParser().Parse(callErr)
	if err != nil {
		t.Fatalf("parse built call error: %v", err)
	}
	if msg.ErrorCode != "InternalError" {
		t.Fatalf("unexpected error code %q", msg.ErrorCode)
	}
}

func TestParseVersion(t *testing.T) {
	if v, ok := ParseVersion("ocpp2.0.1"); !ok || v != V201 {
		t.Fatalf("unexpected version %v %v", v, ok)
	}
	if _, ok := ParseVersion("ocpp1.5"); ok {
		t.Fatalf("expected unknown version to be rejected")
	}
	if !V21.IsV2() || V16.IsV2() {
		t.Fatalf("IsV2 misclassified versions")
	}
}
