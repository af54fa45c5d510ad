package adapter

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"voltgate/internal/metering"
	"voltgate/internal/registry"
	"voltgate/internal/repository"
	"voltgate/internal/transactions"
)

// v2Adapter serves both 2.0.1 and 2.1; the dialects share wire shapes for
// everything the gateway handles explicitly.
type v2Adapter struct {
	base
}

func (a *v2Adapter) Handle(ctx context.Context, session *registry.Session, action string, payload json.RawMessage) (interface{}, *ProtocolError) {
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
	case "TransactionEvent":
		return a.transactionEvent(ctx, session, payload)
	case "NotifyReport":
		return a.notifyReport(ctx, identity, payload)
	case "NotifyEVChargingNeeds":
		return a.notifyEVChargingNeeds(ctx, identity, payload)
	case "FirmwareStatusNotification":
		return a.mirrorStatus(ctx, identity, "firmware.status", payload)
	case "DataTransfer":
		return a.dataTransfer(ctx, identity, payload), nil
	}
	if response, ok := certificateResponse(action); ok {
		return response, nil
	}
	return a.synthesize(identity, action), nil
}

func (a *v2Adapter) bootNotification(ctx context.Context, identity string, payload json.RawMessage) (interface{}, *ProtocolError) {
	var body struct {
		Reason          string `json:"reason"`
		ChargingStation struct {
			Model           string `json:"model"`
			VendorName      string `json:"vendorName"`
			SerialNumber    string `json:"serialNumber"`
			FirmwareVersion string `json:"firmwareVersion"`
			Modem           *struct {
				ICCID string `json:"iccid"`
				IMSI  string `json:"imsi"`
			} `json:"modem"`
		} `json:"chargingStation"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, formationError("unreadable boot payload")
	}

	cs := body.ChargingStation
	a.set(ctx, identity+".info.vendor", cs.VendorName)
	a.set(ctx, identity+".info.model", cs.Model)
	a.set(ctx, identity+".info.serial", cs.SerialNumber)
	a.set(ctx, identity+".info.firmware", cs.FirmwareVersion)
	if body.Reason != "" {
		a.set(ctx, identity+".info.bootReason", body.Reason)
	}
	if cs.Modem != nil {
		if cs.Modem.ICCID != "" {
			a.set(ctx, identity+".info.iccid", cs.Modem.ICCID)
		}
		if cs.Modem.IMSI != "" {
			a.set(ctx, identity+".info.imsi", cs.Modem.IMSI)
		}
	}

	if a.Stations != nil {
		err := a.Stations.Upsert(ctx, &repository.Station{
			ID:              identity,
			Vendor:          cs.VendorName,
			Model:           cs.Model,
			SerialNumber:    cs.SerialNumber,
			FirmwareVersion: cs.FirmwareVersion,
			Protocol:        string(a.version),
		})
		if err != nil {
			a.Logger.Warn("station upsert failed", zap.String("station_id", identity), zap.Error(err))
		}
	}

	return map[string]interface{}{
		"currentTime": timeNow().Format(time.RFC3339),
		"interval":    a.HeartbeatInterval,
		"status":      "Accepted",
	}, nil
}

func (a *v2Adapter) authorize(ctx context.Context, identity string, payload json.RawMessage) (interface{}, *ProtocolError) {
	var body struct {
		IDToken struct {
			IDToken string `json:"idToken"`
			Type    string `json:"type"`
		} `json:"idToken"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, formationError("unreadable authorize payload")
	}
	a.set(ctx, identity+".rfid.lastTag", body.IDToken.IDToken)
	if body.IDToken.Type != "" {
		a.set(ctx, identity+".rfid.lastTagType", body.IDToken.Type)
	}
	a.set(ctx, identity+".rfid.lastSeen", timeNow().Format(time.RFC3339))
	return map[string]interface{}{
		"idTokenInfo": map[string]interface{}{"status": "Accepted"},
	}, nil
}

func (a *v2Adapter) statusNotification(ctx context.Context, identity string, payload json.RawMessage) (interface{}, *ProtocolError) {
	var body struct {
		Timestamp       string `json:"timestamp"`
		ConnectorStatus string `json:"connectorStatus"`
		EvseID          int    `json:"evseId"`
		ConnectorID     int    `json:"connectorId"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, formationError("unreadable status notification")
	}
	slot := identity + ".evse." + strconv.Itoa(body.EvseID) + ".connector." + strconv.Itoa(body.ConnectorID)
	a.set(ctx, slot+".status", body.ConnectorStatus)
	ts := body.Timestamp
	if ts == "" {
		ts = timeNow().Format(time.RFC3339)
	}
	a.set(ctx, slot+".statusTs", ts)
	return map[string]interface{}{}, nil
}

func (a *v2Adapter) meterValues(ctx context.Context, identity string, payload json.RawMessage) (interface{}, *ProtocolError) {
	var body struct {
		EvseID     int                   `json:"evseId"`
		MeterValue []metering.MeterValue `json:"meterValue"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, formationError("unreadable meter values")
	}
	a.Metering.Apply(ctx, identity, body.EvseID, 1, body.MeterValue, a.version)
	return map[string]interface{}{}, nil
}

func (a *v2Adapter) transactionEvent(ctx context.Context, session *registry.Session, payload json.RawMessage) (interface{}, *ProtocolError) {
	var body struct {
		EventType       string `json:"eventType"`
		Timestamp       string `json:"timestamp"`
		TransactionInfo struct {
			TransactionID string `json:"transactionId"`
			StoppedReason string `json:"stoppedReason"`
		} `json:"transactionInfo"`
		Evse *struct {
			ID          int `json:"id"`
			ConnectorID int `json:"connectorId"`
		} `json:"evse"`
		IDToken *struct {
			IDToken string `json:"idToken"`
			Type    string `json:"type"`
		} `json:"idToken"`
		NumberOfPhasesUsed *int                  `json:"numberOfPhasesUsed"`
		MeterValue         []metering.MeterValue `json:"meterValue"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, formationError("unreadable transaction event")
	}

	identity := session.Identity
	evseID, connectorID := 1, 1
	if body.Evse != nil {
		if body.Evse.ID > 0 {
			evseID = body.Evse.ID
		}
		if body.Evse.ConnectorID > 0 {
			connectorID = body.Evse.ConnectorID
		}
	}
	if len(body.MeterValue) > 0 {
		a.Metering.Apply(ctx, identity, evseID, connectorID, body.MeterValue, a.version)
	}
	if body.NumberOfPhasesUsed != nil {
		a.Metering.SetNumberPhases(ctx, identity, *body.NumberOfPhasesUsed)
	}

	switch body.EventType {
	case "Started":
		evt := transactions.StartEvent{
			TransactionID: body.TransactionInfo.TransactionID,
			EvseID:        evseID,
			ConnectorID:   connectorID,
			MeterStartWh:  metering.ExtractEnergyImportWh(body.MeterValue, a.version),
			Timestamp:     parseTimestamp(body.Timestamp),
		}
		if body.IDToken != nil {
			evt.IDToken = body.IDToken.IDToken
			evt.IDTokenType = body.IDToken.Type
		}
		a.Transactions.OnStart(ctx, identity, evt)
		session.RememberTransaction(connectorID, body.TransactionInfo.TransactionID)
	case "Ended":
		a.Transactions.OnStop(ctx, identity, transactions.StopEvent{
			TransactionID: body.TransactionInfo.TransactionID,
			ConnectorID:   connectorID,
			MeterStopWh:   metering.ExtractEnergyImportWh(body.MeterValue, a.version),
			Reason:        body.TransactionInfo.StoppedReason,
			Timestamp:     parseTimestamp(body.Timestamp),
		})
	}
	// Updated events only flow metering.

	if body.IDToken != nil {
		return map[string]interface{}{
			"idTokenInfo": map[string]interface{}{"status": "Accepted"},
		}, nil
	}
	return map[string]interface{}{}, nil
}

func (a *v2Adapter) notifyReport(ctx context.Context, identity string, payload json.RawMessage) (interface{}, *ProtocolError) {
	var body struct {
		ReportData json.RawMessage `json:"reportData"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, formationError("unreadable report")
	}
	if len(body.ReportData) > 0 {
		for _, v := range a.DeviceModel.Ingest(ctx, identity, body.ReportData) {
			if v.Component == "ConnectedEV" && v.Name == "StateOfCharge" && v.AttributeType == "Actual" {
				if soc, err := strconv.ParseFloat(v.Value, 64); err == nil {
					a.Metering.SetSoC(ctx, identity, soc)
				}
			}
		}
	}
	return map[string]interface{}{}, nil
}

func (a *v2Adapter) notifyEVChargingNeeds(ctx context.Context, identity string, payload json.RawMessage) (interface{}, *ProtocolError) {
	var body struct {
		EvseID        int `json:"evseId"`
		ChargingNeeds struct {
			RequestedEnergyTransfer string `json:"requestedEnergyTransfer"`
			DCChargingParameters    *struct {
				StateOfCharge *float64 `json:"stateOfCharge"`
			} `json:"dcChargingParameters"`
		} `json:"chargingNeeds"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, formationError("unreadable charging needs")
	}
	if body.ChargingNeeds.RequestedEnergyTransfer != "" {
		a.set(ctx, identity+".vehicle.energyTransfer", body.ChargingNeeds.RequestedEnergyTransfer)
	}
	if dc := body.ChargingNeeds.DCChargingParameters; dc != nil && dc.StateOfCharge != nil {
		a.Metering.SetSoC(ctx, identity, *dc.StateOfCharge)
	}
	return map[string]interface{}{"status": "Accepted"}, nil
}
