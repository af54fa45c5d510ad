package metering

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"voltgate/internal/ocpp"
	"voltgate/internal/statestore"
)

// Normalizer canonicalizes meter batches and mirrors them into the state
// store. Store failures are telemetry failures: logged and swallowed, never
// surfaced to the protocol layer.
type Normalizer struct {
	store  statestore.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewNormalizer returns a store-backed normalizer.
func NewNormalizer(store statestore.Store, logger *zap.Logger) *Normalizer {
	return &Normalizer{store: store, logger: logger, now: time.Now}
}

// Apply processes one inbound meter batch for a connector.
func (n *Normalizer) Apply(ctx context.Context, identity string, evseID, connectorID int, values []MeterValue, version ocpp.Version) {
	base := fmt.Sprintf("%s.evse.%d.connector.%d.meter", identity, evseID, connectorID)

	for _, mv := range values {
		ts := mv.Timestamp
		if ts == "" {
			ts = n.now().UTC().Format(time.RFC3339)
		}
		n.set(ctx, identity, base+".lastTs", ts)

		for _, sv := range mv.SampledValue {
			c := Normalize(sv, version)

			path := base + "." + c.Key
			n.ensure(ctx, identity, path, c.Unit)
			n.set(ctx, identity, path, c.Value)

			measurand := sv.Measurand
			if aggName, ok := Aggregates[measurand]; ok {
				aggPath := identity + ".meter." + aggName
				n.ensure(ctx, identity, aggPath, c.Unit)
				n.set(ctx, identity, aggPath, c.Value)
			}
			if strings.Contains(strings.ToLower(measurand), energyImportRegister) {
				n.set(ctx, identity, base+".lastWh", c.Value)
			}
			if measurand == "SoC" {
				socPath := identity + ".meter.SoC"
				n.ensure(ctx, identity, socPath, "%")
				n.set(ctx, identity, socPath, c.Value)
			}
		}
	}

	n.set(ctx, identity, identity+".transactions.numberPhases", PhasesInUse(values))
}

// SetSoC mirrors a state-of-charge value reported outside MeterValues
// (NotifyEVChargingNeeds, device model).
func (n *Normalizer) SetSoC(ctx context.Context, identity string, soc float64) {
	path := identity + ".meter.SoC"
	n.ensure(ctx, identity, path, "%")
	n.set(ctx, identity, path, soc)
}

// SetNumberPhases overwrites the derived phase count with an explicitly
// reported one.
func (n *Normalizer) SetNumberPhases(ctx context.Context, identity string, phases int) {
	n.set(ctx, identity, identity+".transactions.numberPhases", phases)
}

func (n *Normalizer) ensure(ctx context.Context, identity, path, unit string) {
	if err := n.store.EnsureState(ctx, path, unit); err != nil {
		n.logger.Debug("metric ensure failed", zap.String("station_id", identity), zap.String("path", path), zap.Error(err))
	}
}

func (n *Normalizer) set(ctx context.Context, identity, path string, value interface{}) {
	if err := n.store.SetIfChanged(ctx, path, value); err != nil {
		n.logger.Debug("metric write failed", zap.String("station_id", identity), zap.String("path", path), zap.Error(err))
	}
}
