package commands

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"voltgate/internal/capture"
	"voltgate/internal/ocpp"
	"voltgate/internal/registry"
	"voltgate/internal/statestore"
)

func fixedIDs(t *testing.T) {
	t.Helper()
	prevID, prevNow := profileID, now
	profileID = func() int { return 424242 }
	now = func() time.Time { return time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { profileID, now = prevID, prevNow })
}

func TestTranslateReset(t *testing.T) {
	cases := []struct {
		kind    IntentKind
		version ocpp.Version
		want    string
	}{
		{IntentHardReset, ocpp.V16, "Hard"},
		{IntentSoftReset, ocpp.V16, "Soft"},
		{IntentHardReset, ocpp.V201, "Immediate"},
		{IntentSoftReset, ocpp.V21, "OnIdle"},
	}
	for _, tc := range cases {
		call, err := Translate(Intent{Kind: tc.kind}, tc.version)
		if err != nil {
			t.Fatalf("%s/%s: %v", tc.kind, tc.version, err)
		}
		if call.Action != "Reset" {
			t.Fatalf("%s/%s: action = %s", tc.kind, tc.version, call.Action)
		}
		payload := call.Payload.(map[string]interface{})
		if payload["type"] != tc.want {
			t.Fatalf("%s/%s: type = %v, want %s", tc.kind, tc.version, payload["type"], tc.want)
		}
	}
}

func TestTranslateAvailability(t *testing.T) {
	call, _ := Translate(Intent{Kind: IntentSetAvailability, Operative: true}, ocpp.V16)
	payload := call.Payload.(map[string]interface{})
	if payload["connectorId"] != 0 || payload["type"] != "Operative" {
		t.Fatalf("1.6 payload = %v", payload)
	}

	call, _ = Translate(Intent{Kind: IntentSetAvailability}, ocpp.V201)
	payload = call.Payload.(map[string]interface{})
	if payload["operationalStatus"] != "Inoperative" {
		t.Fatalf("2.x payload = %v", payload)
	}
}

func TestTranslateChargingLimit(t *testing.T) {
	fixedIDs(t)

	call, _ := Translate(Intent{Kind: IntentSetChargingLimit, LimitWatts: 11000, LimitPhases: 3}, ocpp.V16)
	if call.Action != "SetChargingProfile" {
		t.Fatalf("action = %s", call.Action)
	}
	payload := call.Payload.(map[string]interface{})
	profiles := payload["csChargingProfiles"].(map[string]interface{})
	if profiles["chargingProfilePurpose"] != "TxDefaultProfile" {
		t.Fatalf("1.6 purpose = %v", profiles["chargingProfilePurpose"])
	}
	if profiles["chargingProfileId"] != 424242 {
		t.Fatalf("profile id = %v", profiles["chargingProfileId"])
	}
	schedule := profiles["chargingSchedule"].(map[string]interface{})
	period := schedule["chargingSchedulePeriod"].([]interface{})[0].(map[string]interface{})
	if period["limit"] != 11000.0 || period["numberPhases"] != 3 {
		t.Fatalf("period = %v", period)
	}

	call, _ = Translate(Intent{Kind: IntentSetChargingLimit, LimitWatts: 7400}, ocpp.V21)
	payload = call.Payload.(map[string]interface{})
	profile := payload["chargingProfile"].(map[string]interface{})
	if profile["chargingProfilePurpose"] != "ChargingStationMaxProfile" {
		t.Fatalf("2.x purpose = %v", profile["chargingProfilePurpose"])
	}
}

func TestTranslateRequestStartStop(t *testing.T) {
	fixedIDs(t)

	call, _ := Translate(Intent{Kind: IntentRequestStart, IDToken: "ABCD", EvseID: 1}, ocpp.V16)
	payload := call.Payload.(map[string]interface{})
	if call.Action != "RemoteStartTransaction" || payload["idTag"] != "ABCD" || payload["connectorId"] != 1 {
		t.Fatalf("1.6 start = %s %v", call.Action, payload)
	}

	call, _ = Translate(Intent{Kind: IntentRequestStart, IDToken: "ABCD", RemoteStartID: 7}, ocpp.V201)
	payload = call.Payload.(map[string]interface{})
	token := payload["idToken"].(map[string]interface{})
	if call.Action != "RequestStartTransaction" || token["idToken"] != "ABCD" || token["type"] != "ISO14443" {
		t.Fatalf("2.x start = %s %v", call.Action, payload)
	}
	if payload["remoteStartId"] != 7 {
		t.Fatalf("remoteStartId = %v", payload["remoteStartId"])
	}

	call, _ = Translate(Intent{Kind: IntentRequestStop, TransactionID: "118"}, ocpp.V16)
	payload = call.Payload.(map[string]interface{})
	if payload["transactionId"] != 118 {
		t.Fatalf("1.6 stop id = %v (%T)", payload["transactionId"], payload["transactionId"])
	}
	if _, err := Translate(Intent{Kind: IntentRequestStop, TransactionID: "abc"}, ocpp.V16); err == nil {
		t.Fatal("non-numeric 1.6 transaction id must be rejected")
	}

	call, _ = Translate(Intent{Kind: IntentRequestStop, TransactionID: "tx-9"}, ocpp.V21)
	payload = call.Payload.(map[string]interface{})
	if call.Action != "RequestStopTransaction" || payload["transactionId"] != "tx-9" {
		t.Fatalf("2.x stop = %s %v", call.Action, payload)
	}
}

func TestTranslateRawCall(t *testing.T) {
	call, err := Translate(Intent{Kind: IntentRawCall, Method: "TriggerMessage", Payload: json.RawMessage(`{"requestedMessage":"Heartbeat"}`)}, ocpp.V16)
	if err != nil || call.Action != "TriggerMessage" {
		t.Fatalf("raw call = %v %v", call, err)
	}
	if _, err := Translate(Intent{Kind: IntentRawCall}, ocpp.V16); err == nil {
		t.Fatal("raw call without method must be rejected")
	}
}

type recordingCaller struct {
	action   string
	response json.RawMessage
	err      error
}

func (c *recordingCaller) Call(_ context.Context, action string, _ interface{}) (json.RawMessage, error) {
	c.action = action
	return c.response, c.err
}

func TestDispatch(t *testing.T) {
	store := statestore.NewMemoryStore()
	reg := registry.NewRegistry(store, zap.NewNop())
	recorder := capture.NewRecorder(store, nil, zap.NewNop())
	dispatcher := NewDispatcher(reg, recorder, zap.NewNop())
	ctx := context.Background()

	caller := &recordingCaller{response: json.RawMessage(`{"status":"Accepted"}`)}
	reg.Register(ctx, "CP-1", ocpp.V201, caller)

	response, err := dispatcher.Dispatch(ctx, "CP-1", Intent{Kind: IntentHardReset})
	if err != nil {
		t.Fatal(err)
	}
	if caller.action != "Reset" {
		t.Fatalf("sent action = %s", caller.action)
	}
	var decoded map[string]string
	if json.Unmarshal(response, &decoded); decoded["status"] != "Accepted" {
		t.Fatalf("response = %s", response)
	}
}

func TestDispatchNoSession(t *testing.T) {
	reg := registry.NewRegistry(statestore.NewMemoryStore(), zap.NewNop())
	recorder := capture.NewRecorder(nil, nil, zap.NewNop())
	dispatcher := NewDispatcher(reg, recorder, zap.NewNop())

	_, err := dispatcher.Dispatch(context.Background(), "CP-404", Intent{Kind: IntentHardReset})
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestDispatchTransportFailure(t *testing.T) {
	store := statestore.NewMemoryStore()
	reg := registry.NewRegistry(store, zap.NewNop())
	dispatcher := NewDispatcher(reg, capture.NewRecorder(store, nil, zap.NewNop()), zap.NewNop())
	ctx := context.Background()

	caller := &recordingCaller{err: errors.New("connection closed")}
	reg.Register(ctx, "CP-1", ocpp.V16, caller)

	if _, err := dispatcher.Dispatch(ctx, "CP-1", Intent{Kind: IntentSoftReset}); err == nil {
		t.Fatal("transport failure must propagate")
	}
}
