package adapter

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"go.uber.org/zap"

	"voltgate/internal/capture"
	"voltgate/internal/devicemodel"
	"voltgate/internal/metering"
	"voltgate/internal/metrics"
	"voltgate/internal/ocpp"
	"voltgate/internal/registry"
	"voltgate/internal/repository"
	"voltgate/internal/schema"
	"voltgate/internal/statestore"
	"voltgate/internal/transactions"
)

// StationStore persists station inventory. Satisfied by
// repository.StationRepository; nil disables inventory writes.
type StationStore interface {
	Upsert(ctx context.Context, station *repository.Station) error
	Heartbeat(ctx context.Context, stationID string) error
}

// Adapter handles inbound CALLs for one protocol dialect. A returned
// *ProtocolError becomes a CALLERROR frame; otherwise the result is sent as
// a CALLRESULT.
type Adapter interface {
	Handle(ctx context.Context, session *registry.Session, action string, payload json.RawMessage) (interface{}, *ProtocolError)
}

// ProtocolError is a structured OCPP-level failure.
type ProtocolError struct {
	Code        string
	Description string
}

func formationError(description string) *ProtocolError {
	return &ProtocolError{Code: "FormationViolation", Description: description}
}

// Deps is the collaborator set shared by all dialect adapters.
type Deps struct {
	Store             statestore.Store
	Recorder          *capture.Recorder
	Metering          *metering.Normalizer
	Transactions      *transactions.Tracker
	DeviceModel       *devicemodel.Model
	Schemas           schema.Library
	Synth             *schema.Synthesizer
	Stations          StationStore
	HeartbeatInterval int
	Logger            *zap.Logger
}

// New returns the adapter for a negotiated protocol version.
func New(version ocpp.Version, deps Deps) Adapter {
	base := base{Deps: deps, version: version}
	if version.IsV2() {
		return &v2Adapter{base}
	}
	return &v16Adapter{base}
}

// Swappable in tests.
var timeNow = func() time.Time { return time.Now().UTC() }

type base struct {
	Deps
	version ocpp.Version
}

// capture mirrors the inbound message before any handling; its failure never
// reaches the station.
func (b *base) capture(ctx context.Context, identity, action string, payload json.RawMessage) {
	b.Recorder.Inbound(ctx, identity, string(b.version), action, payload)
}

func (b *base) set(ctx context.Context, path string, value interface{}) {
	if err := b.Store.SetIfChanged(ctx, path, value); err != nil {
		b.Logger.Debug("state write failed", zap.String("path", path), zap.Error(err))
	}
}

func (b *base) heartbeat(ctx context.Context, identity string) map[string]interface{} {
	nowStr := timeNow().Format(time.RFC3339)
	b.set(ctx, identity+".lastHeartbeat", nowStr)
	if b.Stations != nil {
		if err := b.Stations.Heartbeat(ctx, identity); err != nil {
			b.Logger.Debug("heartbeat persist failed", zap.String("station_id", identity), zap.Error(err))
		}
	}
	return map[string]interface{}{"currentTime": nowStr}
}

func (b *base) mirrorStatus(ctx context.Context, identity, slot string, payload json.RawMessage) (map[string]interface{}, *ProtocolError) {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, formationError("unreadable status payload")
	}
	b.set(ctx, identity+"."+slot, body.Status)
	return map[string]interface{}{}, nil
}

// vinPattern matches a vehicle identification number embedded anywhere in a
// string: 17 chars, no I/O/Q, bounded by non-word characters.
var vinPattern = regexp.MustCompile(`\b[A-HJ-NPR-Z0-9]{17}\b`)

func (b *base) dataTransfer(ctx context.Context, identity string, payload json.RawMessage) map[string]interface{} {
	var decoded interface{}
	if err := json.Unmarshal(payload, &decoded); err == nil {
		if vin, ok := findVIN(decoded, 1); ok {
			b.set(ctx, identity+".vehicle.vin", vin)
		}
	}
	return map[string]interface{}{"status": "Accepted"}
}

// findVIN deep-scans decoded JSON for a VIN-shaped string, bounded to six
// levels of nesting.
func findVIN(value interface{}, depth int) (string, bool) {
	if depth > 6 {
		return "", false
	}
	switch v := value.(type) {
	case string:
		if vin := vinPattern.FindString(v); vin != "" {
			return vin, true
		}
	case map[string]interface{}:
		for _, child := range v {
			if vin, ok := findVIN(child, depth+1); ok {
				return vin, true
			}
		}
	case []interface{}:
		for _, child := range v {
			if vin, ok := findVIN(child, depth+1); ok {
				return vin, true
			}
		}
	}
	return "", false
}

// certificateResponse answers security actions with an explicit refusal.
// Synthesized acceptance would promise cryptographic follow-through the
// gateway does not perform.
func certificateResponse(action string) (map[string]interface{}, bool) {
	switch action {
	case "SignCertificate", "InstallCertificate", "CertificateSigned":
		return map[string]interface{}{"status": "Rejected"}, true
	case "Get15118EVCertificate":
		// exiResponse is a required response field even on failure.
		return map[string]interface{}{"status": "Failed", "exiResponse": ""}, true
	case "GetCertificateStatus":
		return map[string]interface{}{"status": "Failed"}, true
	}
	return nil, false
}

// synthesize builds a schema-derived default response for an unhandled
// action. No schema means an empty success, not an error.
func (b *base) synthesize(identity, action string) map[string]interface{} {
	set, ok := b.Schemas[b.version]
	if !ok {
		return map[string]interface{}{}
	}
	sc, ok := set.Response(action)
	if !ok {
		b.Logger.Debug("no response schema",
			zap.String("station_id", identity), zap.String("action", action))
		return map[string]interface{}{}
	}
	metrics.CountSynthesized(string(b.version), action)
	return b.Synth.Synthesize(sc)
}
