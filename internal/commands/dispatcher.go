package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"voltgate/internal/capture"
	"voltgate/internal/metrics"
	"voltgate/internal/registry"
)

// ErrNoSession is returned when the target station has no live connection.
// Commands are never queued for offline stations.
var ErrNoSession = errors.New("no live session")

// Dispatcher sends operator intents to connected stations.
type Dispatcher struct {
	registry *registry.Registry
	recorder *capture.Recorder
	logger   *zap.Logger
}

func NewDispatcher(reg *registry.Registry, recorder *capture.Recorder, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{registry: reg, recorder: recorder, logger: logger}
}

// Dispatch translates the intent for the station's dialect, sends it, and
// returns the raw response payload. The call blocks until the station
// answers or the transport fails.
func (d *Dispatcher) Dispatch(ctx context.Context, identity string, intent Intent) (json.RawMessage, error) {
	session, ok := d.registry.Lookup(identity)
	if !ok {
		d.logger.Warn("command dropped, station offline",
			zap.String("station_id", identity), zap.String("intent", string(intent.Kind)))
		return nil, fmt.Errorf("%w for %s", ErrNoSession, identity)
	}

	call, err := Translate(intent, session.Version)
	if err != nil {
		return nil, err
	}

	protocol := string(session.Version)
	if raw, err := json.Marshal(call.Payload); err == nil {
		d.recorder.Outbound(ctx, identity, protocol, call.Action, raw)
	}

	response, err := session.Caller.Call(ctx, call.Action, call.Payload)
	if err != nil {
		metrics.CountOutbound(protocol, call.Action, "error")
		d.logger.Warn("outbound call failed",
			zap.String("station_id", identity), zap.String("action", call.Action), zap.Error(err))
		return nil, err
	}

	metrics.CountOutbound(protocol, call.Action, "ok")
	d.recorder.Response(ctx, identity, protocol, call.Action, response)
	return response, nil
}
