package adapter

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"

	"voltgate/internal/metering"
	"voltgate/internal/registry"
	"voltgate/internal/repository"
	"voltgate/internal/transactions"
)

// 1.6 stations expect the backend to mint numeric transaction ids.
// Swappable in tests.
var txIDGen = func() int { return rand.Intn(8999999) + 1000000 }

type v16Adapter struct {
	base
}

func (a *v16Adapter) Handle(ctx context.Context, session *registry.Session, action string, payload json.RawMessage) (interface{}, *ProtocolError) {
	identity := session.Identity
	a.capture(ctx, identity, action, payload)

	switch action {
	case "BootNotification":
		return a.bootNotification(ctx, identity, payload)
	case "Heartbeat":
		return a.heartbeat(ctx, identity), nil
	case "Authorize":
		return a.authorize(ctx, identity, payload)
	case "StatusNotification":
		return a.statusNotification(ctx, identity, payload)
	case "MeterValues":
		return a.meterValues(ctx, identity, payload)
	case "StartTransaction":
		return a.startTransaction(ctx, session, payload)
	case "StopTransaction":
		return a.stopTransaction(ctx, session, payload)
	case "FirmwareStatusNotification":
		return a.mirrorStatus(ctx, identity, "firmware.status", payload)
	case "DiagnosticsStatusNotification":
		return a.mirrorStatus(ctx, identity, "diagnostics.status", payload)
	case "DataTransfer":
		return a.dataTransfer(ctx, identity, payload), nil
	}
	if response, ok := certificateResponse(action); ok {
		return response, nil
	}
	return a.synthesize(identity, action), nil
}

func (a *v16Adapter) bootNotification(ctx context.Context, identity string, payload json.RawMessage) (interface{}, *ProtocolError) {
	var body struct {
		ChargePointVendor       string `json:"chargePointVendor"`
		ChargePointModel        string `json:"chargePointModel"`
		ChargePointSerialNumber string `json:"chargePointSerialNumber"`
		FirmwareVersion         string `json:"firmwareVersion"`
		ICCID                   string `json:"iccid"`
		IMSI                    string `json:"imsi"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, formationError("unreadable boot payload")
	}

	a.set(ctx, identity+".info.vendor", body.ChargePointVendor)
	a.set(ctx, identity+".info.model", body.ChargePointModel)
	a.set(ctx, identity+".info.serial", body.ChargePointSerialNumber)
	a.set(ctx, identity+".info.firmware", body.FirmwareVersion)
	if body.ICCID != "" {
		a.set(ctx, identity+".info.iccid", body.ICCID)
	}
	if body.IMSI != "" {
		a.set(ctx, identity+".info.imsi", body.IMSI)
	}

	if a.Stations != nil {
		err := a.Stations.Upsert(ctx, &repository.Station{
			ID:              identity,
			Vendor:          body.ChargePointVendor,
			Model:           body.ChargePointModel,
			SerialNumber:    body.ChargePointSerialNumber,
			FirmwareVersion: body.FirmwareVersion,
			Protocol:        string(a.version),
		})
		if err != nil {
			a.Logger.Warn("station upsert failed", zap.String("station_id", identity), zap.Error(err))
		}
	}

	return map[string]interface{}{
		"status":      "Accepted",
		"currentTime": timeNow().Format(time.RFC3339),
		"interval":    a.HeartbeatInterval,
	}, nil
}

func (a *v16Adapter) authorize(ctx context.Context, identity string, payload json.RawMessage) (interface{}, *ProtocolError) {
	var body struct {
		IDTag string `json:"idTag"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, formationError("unreadable authorize payload")
	}
	a.set(ctx, identity+".rfid.lastTag", body.IDTag)
	a.set(ctx, identity+".rfid.lastSeen", timeNow().Format(time.RFC3339))
	return map[string]interface{}{
		"idTagInfo": map[string]interface{}{"status": "Accepted"},
	}, nil
}

func (a *v16Adapter) statusNotification(ctx context.Context, identity string, payload json.RawMessage) (interface{}, *ProtocolError) {
	var body struct {
		ConnectorID int    `json:"connectorId"`
		Status      string `json:"status"`
		ErrorCode   string `json:"errorCode"`
		Timestamp   string `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, formationError("unreadable status notification")
	}
	// 1.6 has no EVSE concept; everything lives on evse 1.
	base := identity + ".evse.1.connector." + strconv.Itoa(body.ConnectorID)
	a.set(ctx, base+".status", body.Status)
	if body.ErrorCode != "" {
		a.set(ctx, base+".errorCode", body.ErrorCode)
	}
	ts := body.Timestamp
	if ts == "" {
		ts = timeNow().Format(time.RFC3339)
	}
	a.set(ctx, base+".statusTs", ts)
	return map[string]interface{}{}, nil
}

func (a *v16Adapter) meterValues(ctx context.Context, identity string, payload json.RawMessage) (interface{}, *ProtocolError) {
	var body struct {
		ConnectorID int                   `json:"connectorId"`
		MeterValue  []metering.MeterValue `json:"meterValue"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, formationError("unreadable meter values")
	}
	a.Metering.Apply(ctx, identity, 1, body.ConnectorID, body.MeterValue, a.version)
	return map[string]interface{}{}, nil
}

func (a *v16Adapter) startTransaction(ctx context.Context, session *registry.Session, payload json.RawMessage) (interface{}, *ProtocolError) {
	var body struct {
		ConnectorID int                 `json:"connectorId"`
		IDTag       string              `json:"idTag"`
		MeterStart  *metering.FlexFloat `json:"meterStart"`
		Timestamp   string              `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, formationError("unreadable start transaction")
	}

	txID := txIDGen()
	evt := transactions.StartEvent{
		TransactionID: strconv.Itoa(txID),
		EvseID:        1,
		ConnectorID:   body.ConnectorID,
		IDToken:       body.IDTag,
		Timestamp:     parseTimestamp(body.Timestamp),
	}
	if body.MeterStart != nil {
		wh := float64(*body.MeterStart)
		evt.MeterStartWh = &wh
		// Seed the connector meter; the register often starts ticking before
		// the first MeterValues batch arrives.
		base := session.Identity + ".evse.1.connector." + strconv.Itoa(body.ConnectorID) + ".meter"
		a.set(ctx, base+".lastWh", wh)
		a.set(ctx, base+".lastKWh", wh/1000)
	}
	a.Transactions.OnStart(ctx, session.Identity, evt)
	session.RememberTransaction(body.ConnectorID, evt.TransactionID)

	return map[string]interface{}{
		"transactionId": txID,
		"idTagInfo":     map[string]interface{}{"status": "Accepted"},
	}, nil
}

func (a *v16Adapter) stopTransaction(ctx context.Context, session *registry.Session, payload json.RawMessage) (interface{}, *ProtocolError) {
	var body struct {
		TransactionID   *int                  `json:"transactionId"`
		MeterStop       *metering.FlexFloat   `json:"meterStop"`
		Timestamp       string                `json:"timestamp"`
		Reason          string                `json:"reason"`
		TransactionData []metering.MeterValue `json:"transactionData"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, formationError("unreadable stop transaction")
	}

	evt := transactions.StopEvent{
		Reason:    body.Reason,
		Timestamp: parseTimestamp(body.Timestamp),
	}
	if body.TransactionID != nil {
		evt.TransactionID = strconv.Itoa(*body.TransactionID)
	} else if connector, txID, ok := session.LastTransaction(); ok {
		evt.TransactionID = txID
		evt.ConnectorID = connector
	}
	if body.MeterStop != nil {
		wh := float64(*body.MeterStop)
		evt.MeterStopWh = &wh
	} else if wh := metering.ExtractEnergyImportWh(body.TransactionData, a.version); wh != nil {
		evt.MeterStopWh = wh
	}
	if len(body.TransactionData) > 0 {
		connector := evt.ConnectorID
		if connector == 0 {
			connector = 1
		}
		a.Metering.Apply(ctx, session.Identity, 1, connector, body.TransactionData, a.version)
	}
	a.Transactions.OnStop(ctx, session.Identity, evt)

	return map[string]interface{}{
		"idTagInfo": map[string]interface{}{"status": "Accepted"},
	}, nil
}

func parseTimestamp(s string) time.Time {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts
	}
	return timeNow()
}
