package capture

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"voltgate/internal/metrics"
	"voltgate/internal/statestore"
)

// AuditSink persists raw messages. Satisfied by repository.MessageRepository.
type AuditSink interface {
	Save(ctx context.Context, stationID, direction, protocol, action string, payload []byte) error
}

// Recorder mirrors OCPP traffic into the state store and the audit sink.
// Every failure here is swallowed: capture is observability, never a reason
// to fail protocol processing.
type Recorder struct {
	store  statestore.Store
	sink   AuditSink
	logger *zap.Logger
}

func NewRecorder(store statestore.Store, sink AuditSink, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, sink: sink, logger: logger}
}

// Inbound records a CALL received from a station.
func (r *Recorder) Inbound(ctx context.Context, identity, protocol, action string, payload json.RawMessage) {
	metrics.CountInbound(protocol, action)
	r.audit(ctx, identity, "in", protocol, action, payload)
	r.mirror(ctx, identity, "inbound", action, payload)
}

// Outbound records a CALL sent to a station.
func (r *Recorder) Outbound(ctx context.Context, identity, protocol, action string, payload json.RawMessage) {
	r.audit(ctx, identity, "out", protocol, action, payload)
	r.mirror(ctx, identity, "outbound", action, payload)
}

// Response records a CALLRESULT received for an outbound command.
func (r *Recorder) Response(ctx context.Context, identity, protocol, action string, payload json.RawMessage) {
	r.audit(ctx, identity, "in", protocol, action+".conf", payload)
}

func (r *Recorder) audit(ctx context.Context, identity, direction, protocol, action string, payload json.RawMessage) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Save(ctx, identity, direction, protocol, action, payload); err != nil {
		metrics.CountCaptureFailure("audit")
		r.logger.Debug("audit write failed",
			zap.String("station_id", identity), zap.String("action", action), zap.Error(err))
	}
}

func (r *Recorder) mirror(ctx context.Context, identity, direction, action string, payload json.RawMessage) {
	if r.store == nil || len(payload) == 0 {
		return
	}
	var decoded interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return
	}
	base := identity + "." + direction + "." + action
	if err := r.store.EnsureObject(ctx, base); err != nil {
		metrics.CountCaptureFailure("state")
		return
	}
	for path, value := range Flatten(decoded) {
		full := base
		if path != "" {
			full = base + "." + path
		}
		if err := r.store.SetIfChanged(ctx, full, value); err != nil {
			metrics.CountCaptureFailure("state")
			r.logger.Debug("state mirror failed", zap.String("path", full), zap.Error(err))
		}
	}
}
