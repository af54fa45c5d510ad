package adapter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"voltgate/internal/capture"
	"voltgate/internal/devicemodel"
	"voltgate/internal/metering"
	"voltgate/internal/ocpp"
	"voltgate/internal/registry"
	"voltgate/internal/schema"
	"voltgate/internal/statestore"
	"voltgate/internal/transactions"
)

func newTestDeps(t *testing.T, store *statestore.MemoryStore) Deps {
	t.Helper()
	logger := zap.NewNop()
	return Deps{
		Store:             store,
		Recorder:          capture.NewRecorder(store, nil, logger),
		Metering:          metering.NewNormalizer(store, logger),
		Transactions:      transactions.NewTracker(store, logger),
		DeviceModel:       devicemodel.NewModel(store, logger),
		Schemas:           schema.Library{},
		Synth:             schema.NewSynthesizer("voltgate"),
		HeartbeatInterval: 300,
		Logger:            logger,
	}
}

func fixedClock(t *testing.T) {
	t.Helper()
	prevNow, prevTx := timeNow, txIDGen
	timeNow = func() time.Time { return time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC) }
	txIDGen = func() int { return 7001 }
	t.Cleanup(func() { timeNow, txIDGen = prevNow, prevTx })
}

func session(version ocpp.Version) *registry.Session {
	return &registry.Session{Identity: "CP-1", Version: version}
}

// Full 1.6 charge cycle: boot, status, metering, start, stop.
func TestV16ChargeCycle(t *testing.T) {
	fixedClock(t)
	store := statestore.NewMemoryStore()
	adapter := New(ocpp.V16, newTestDeps(t, store))
	sess := session(ocpp.V16)
	ctx := context.Background()

	result, perr := adapter.Handle(ctx, sess, "BootNotification", json.RawMessage(
		`{"chargePointVendor":"ABB","chargePointModel":"Terra54","firmwareVersion":"1.8.2"}`))
	if perr != nil {
		t.Fatalf("boot: %v", perr)
	}
	boot := result.(map[string]interface{})
	if boot["status"] != "Accepted" || boot["interval"] != 300 {
		t.Fatalf("boot response = %v", boot)
	}
	if v, _ := store.Get("CP-1.info.vendor"); v != "ABB" {
		t.Fatalf("vendor slot = %v", v)
	}

	if _, perr = adapter.Handle(ctx, sess, "StatusNotification", json.RawMessage(
		`{"connectorId":1,"status":"Available","errorCode":"NoError"}`)); perr != nil {
		t.Fatalf("status: %v", perr)
	}
	if v, _ := store.Get("CP-1.evse.1.connector.1.status"); v != "Available" {
		t.Fatalf("status slot = %v", v)
	}

	if _, perr = adapter.Handle(ctx, sess, "MeterValues", json.RawMessage(
		`{"connectorId":1,"meterValue":[{"timestamp":"2026-08-28T12:00:00Z","sampledValue":[{"value":"1500","unit":"Wh","measurand":"Energy.Active.Import.Register"}]}]}`)); perr != nil {
		t.Fatalf("meter values: %v", perr)
	}
	if v, _ := store.Get("CP-1.evse.1.connector.1.meter.lastWh"); v != 1500.0 {
		t.Fatalf("lastWh = %v", v)
	}

	result, perr = adapter.Handle(ctx, sess, "StartTransaction", json.RawMessage(
		`{"connectorId":1,"idTag":"ABCD","meterStart":1500,"timestamp":"2026-08-28T12:00:00Z"}`))
	if perr != nil {
		t.Fatalf("start: %v", perr)
	}
	start := result.(map[string]interface{})
	if start["transactionId"] != 7001 {
		t.Fatalf("minted id = %v", start["transactionId"])
	}
	if connector, txID, ok := sess.LastTransaction(); !ok || connector != 1 || txID != "7001" {
		t.Fatalf("memo = (%d, %s, %v)", connector, txID, ok)
	}
	// meterStart seeds the connector meter (register counterpart in Wh and kWh).
	if v, _ := store.Get("CP-1.evse.1.connector.1.meter.lastWh"); v != 1500.0 {
		t.Fatalf("lastWh after start = %v", v)
	}
	if v, _ := store.Get("CP-1.evse.1.connector.1.meter.lastKWh"); v != 1.5 {
		t.Fatalf("lastKWh after start = %v", v)
	}

	// StopTransaction without an explicit id correlates through the memo.
	_, perr = adapter.Handle(ctx, sess, "StopTransaction", json.RawMessage(
		`{"meterStop":2500,"timestamp":"2026-08-28T12:30:00Z","reason":"Local"}`))
	if perr != nil {
		t.Fatalf("stop: %v", perr)
	}

	if v, _ := store.Get("CP-1.transactions.last.id"); v != "7001" {
		t.Fatalf("last id = %v", v)
	}
	if v, _ := store.Get("CP-1.transactions.last.meterStartWh"); v != 1500.0 {
		t.Fatalf("meterStartWh = %v", v)
	}
	if v, _ := store.Get("CP-1.transactions.last.meterStopWh"); v != 2500.0 {
		t.Fatalf("meterStopWh = %v", v)
	}
	if v, _ := store.Get("CP-1.transactions.last.consumedWh"); v != 1000.0 {
		t.Fatalf("consumedWh = %v", v)
	}
	if v, _ := store.Get("CP-1.transactions.last.consumedKWh"); v != 1.0 {
		t.Fatalf("consumedKWh = %v", v)
	}
	if v, _ := store.Get("CP-1.transactions.last.active"); v != false {
		t.Fatalf("active = %v", v)
	}
}

// 2.0.1 transaction events: Started then Ended with a stop reason.
func TestV2TransactionEvents(t *testing.T) {
	fixedClock(t)
	store := statestore.NewMemoryStore()
	deps := newTestDeps(t, store)
	adapter := New(ocpp.V201, deps)
	sess := session(ocpp.V201)
	ctx := context.Background()

	result, perr := adapter.Handle(ctx, sess, "TransactionEvent", json.RawMessage(
		`{"eventType":"Started","timestamp":"2026-08-28T12:00:00Z","transactionInfo":{"transactionId":"tx-1"},"evse":{"id":1,"connectorId":1},"idToken":{"idToken":"ABCD","type":"ISO14443"}}`))
	if perr != nil {
		t.Fatalf("started: %v", perr)
	}
	// A token on the event gets answered with an authorization verdict.
	info, ok := result.(map[string]interface{})["idTokenInfo"].(map[string]interface{})
	if !ok || info["status"] != "Accepted" {
		t.Fatalf("started response = %v, want idTokenInfo Accepted", result)
	}
	record, ok := deps.Transactions.Last("CP-1")
	if !ok || !record.Active || record.TransactionID != "tx-1" {
		t.Fatalf("after start: %+v", record)
	}

	// Updated only flows metering, the record stays active.
	_, perr = adapter.Handle(ctx, sess, "TransactionEvent", json.RawMessage(
		`{"eventType":"Updated","timestamp":"2026-08-28T12:10:00Z","transactionInfo":{"transactionId":"tx-1"},"numberOfPhasesUsed":3,"meterValue":[{"sampledValue":[{"value":2.0,"measurand":"Energy.Active.Import.Register","unitOfMeasure":{"unit":"kWh"}}]}]}`))
	if perr != nil {
		t.Fatalf("updated: %v", perr)
	}
	if record, _ = deps.Transactions.Last("CP-1"); !record.Active {
		t.Fatal("Updated event must not close the transaction")
	}
	// The explicitly reported phase count wins over the derived one.
	if v, _ := store.Get("CP-1.transactions.numberPhases"); v != 3.0 {
		t.Fatalf("numberPhases = %v", v)
	}

	_, perr = adapter.Handle(ctx, sess, "TransactionEvent", json.RawMessage(
		`{"eventType":"Ended","timestamp":"2026-08-28T12:30:00Z","transactionInfo":{"transactionId":"tx-1","stoppedReason":"Local"},"evse":{"id":1,"connectorId":1}}`))
	if perr != nil {
		t.Fatalf("ended: %v", perr)
	}
	record, _ = deps.Transactions.Last("CP-1")
	if record.Active {
		t.Fatal("transaction still active after Ended")
	}
	if record.Reason != "Local" {
		t.Fatalf("reason = %q", record.Reason)
	}
}

// An action with only a schema gets a synthesized, schema-shaped response.
func TestSynthesizerFallback(t *testing.T) {
	store := statestore.NewMemoryStore()
	deps := newTestDeps(t, store)

	var doc schema.Schema
	if err := json.Unmarshal([]byte(`{
		"$id": "urn:OCPP:Cp:2:2025:1:ClearedChargingLimitResponse",
		"type": "object",
		"properties": {"status": {"type": "string", "enum": ["Rejected", "Accepted"]}},
		"required": ["status"]
	}`), &doc); err != nil {
		t.Fatal(err)
	}
	deps.Schemas[ocpp.V201] = schema.NewSet(ocpp.V201, nil, map[string]*schema.Schema{
		"ClearedChargingLimit": &doc,
	})

	adapter := New(ocpp.V201, deps)
	result, perr := adapter.Handle(context.Background(), session(ocpp.V201), "ClearedChargingLimit", json.RawMessage(`{}`))
	if perr != nil {
		t.Fatalf("fallback: %v", perr)
	}
	response := result.(map[string]interface{})
	if response["status"] != "Accepted" {
		t.Fatalf("synthesized status = %v", response["status"])
	}
}

func TestNoSchemaIsEmptySuccess(t *testing.T) {
	adapter := New(ocpp.V21, newTestDeps(t, statestore.NewMemoryStore()))

	result, perr := adapter.Handle(context.Background(), session(ocpp.V21), "TotallyUnknown", json.RawMessage(`{}`))
	if perr != nil {
		t.Fatalf("unknown action errored: %v", perr)
	}
	if len(result.(map[string]interface{})) != 0 {
		t.Fatalf("result = %v, want empty", result)
	}
}

func TestCertificateActionsRejected(t *testing.T) {
	adapter := New(ocpp.V201, newTestDeps(t, statestore.NewMemoryStore()))
	ctx := context.Background()

	for action, want := range map[string]string{
		"SignCertificate":       "Rejected",
		"InstallCertificate":    "Rejected",
		"CertificateSigned":     "Rejected",
		"Get15118EVCertificate": "Failed",
		"GetCertificateStatus":  "Failed",
	} {
		result, perr := adapter.Handle(ctx, session(ocpp.V201), action, json.RawMessage(`{}`))
		if perr != nil {
			t.Fatalf("%s: %v", action, perr)
		}
		response := result.(map[string]interface{})
		if status := response["status"]; status != want {
			t.Fatalf("%s status = %v, want %s", action, status, want)
		}
		if action == "Get15118EVCertificate" {
			if exi, ok := response["exiResponse"]; !ok || exi != "" {
				t.Fatalf("Get15118EVCertificate exiResponse = %v, want empty string", exi)
			}
		}
	}
}

func TestDataTransferVINScan(t *testing.T) {
	for name, payload := range map[string]string{
		"nested object":      `{"vendorId":"com.vendor","data":{"vehicle":{"vin":"WVWZZZ1JZ3W386752"}}}`,
		"embedded in string": `{"vendorId":"com.vendor","data":"vehicle vin WVWZZZ1JZ3W386752 connected"}`,
	} {
		t.Run(name, func(t *testing.T) {
			store := statestore.NewMemoryStore()
			adapter := New(ocpp.V16, newTestDeps(t, store))

			result, perr := adapter.Handle(context.Background(), session(ocpp.V16), "DataTransfer", json.RawMessage(payload))
			if perr != nil {
				t.Fatalf("data transfer: %v", perr)
			}
			if result.(map[string]interface{})["status"] != "Accepted" {
				t.Fatalf("response = %v", result)
			}
			if v, _ := store.Get("CP-1.vehicle.vin"); v != "WVWZZZ1JZ3W386752" {
				t.Fatalf("vin slot = %v", v)
			}
		})
	}
}

func TestNotifyReportSoCMirror(t *testing.T) {
	store := statestore.NewMemoryStore()
	adapter := New(ocpp.V21, newTestDeps(t, store))

	_, perr := adapter.Handle(context.Background(), session(ocpp.V21), "NotifyReport", json.RawMessage(
		`{"requestId":1,"seqNo":0,"generatedAt":"2026-08-28T12:00:00Z","reportData":[
			{"component":{"name":"ConnectedEV"},"variable":{"name":"StateOfCharge"},"variableAttribute":[{"type":"Actual","value":"64"}]}
		]}`))
	if perr != nil {
		t.Fatalf("notify report: %v", perr)
	}
	if v, _ := store.Get("CP-1.meter.SoC"); v != 64.0 {
		t.Fatalf("SoC slot = %v", v)
	}
	if v, _ := store.Get("CP-1.devicemodel.ConnectedEV.StateOfCharge.Actual"); v != "64" {
		t.Fatalf("devicemodel slot = %v", v)
	}
}

func TestMalformedPayloadIsProtocolError(t *testing.T) {
	adapter := New(ocpp.V16, newTestDeps(t, statestore.NewMemoryStore()))

	_, perr := adapter.Handle(context.Background(), session(ocpp.V16), "BootNotification", json.RawMessage(`["not","an","object"]`))
	if perr == nil || perr.Code != "FormationViolation" {
		t.Fatalf("perr = %v, want FormationViolation", perr)
	}
}
