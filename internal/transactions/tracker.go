package transactions

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"voltgate/internal/statestore"
)

// Record is the latest transaction known for one station. Only this single
// record is retained in memory per identity; history lives outside the core.
type Record struct {
	TransactionID string
	EvseID        int
	ConnectorID   int
	IDToken       string
	IDTokenType   string
	StartMeterWh  *float64
	StopMeterWh   *float64
	StartTime     time.Time
	StopTime      *time.Time
	Reason        string
	Active        bool
}

// ConsumedWh returns max(0, stop-start). The clamp guards against meter
// rollback; an absent start reading skips the computation.
func (r *Record) ConsumedWh() *float64 {
	if r.StartMeterWh == nil || r.StopMeterWh == nil {
		return nil
	}
	consumed := *r.StopMeterWh - *r.StartMeterWh
	if consumed < 0 {
		consumed = 0
	}
	return &consumed
}

// StartEvent is a canonical Start-type transaction event.
type StartEvent struct {
	TransactionID string
	EvseID        int
	ConnectorID   int
	IDToken       string
	IDTokenType   string
	MeterStartWh  *float64
	Timestamp     time.Time
}

// StopEvent is a canonical Stop-type transaction event.
type StopEvent struct {
	TransactionID string
	ConnectorID   int
	MeterStopWh   *float64
	Reason        string
	Timestamp     time.Time
}

// Tracker correlates start/stop events per station and mirrors the latest
// record into the state store.
type Tracker struct {
	mu     sync.Mutex
	last   map[string]*Record
	store  statestore.Store
	logger *zap.Logger
}

// NewTracker returns an empty tracker.
func NewTracker(store statestore.Store, logger *zap.Logger) *Tracker {
	return &Tracker{
		last:   make(map[string]*Record),
		store:  store,
		logger: logger,
	}
}

// OnStart opens a transaction for the station and returns the new record.
func (t *Tracker) OnStart(ctx context.Context, identity string, evt StartEvent) Record {
	record := &Record{
		TransactionID: evt.TransactionID,
		EvseID:        evt.EvseID,
		ConnectorID:   evt.ConnectorID,
		IDToken:       evt.IDToken,
		IDTokenType:   evt.IDTokenType,
		StartMeterWh:  evt.MeterStartWh,
		StartTime:     evt.Timestamp,
		Active:        true,
	}

	t.mu.Lock()
	t.last[identity] = record
	snapshot := *record
	t.mu.Unlock()

	t.persist(ctx, identity, "Start", &snapshot)
	return snapshot
}

// OnStop closes the station's open transaction. When the event carries no
// transaction id (1.6 StopTransaction after reconnect) the last started one
// is assumed.
func (t *Tracker) OnStop(ctx context.Context, identity string, evt StopEvent) Record {
	t.mu.Lock()
	record, ok := t.last[identity]
	if !ok {
		record = &Record{ConnectorID: evt.ConnectorID}
		t.last[identity] = record
	}
	if evt.TransactionID != "" {
		record.TransactionID = evt.TransactionID
	}
	if evt.ConnectorID != 0 {
		record.ConnectorID = evt.ConnectorID
	}
	if evt.MeterStopWh != nil {
		record.StopMeterWh = evt.MeterStopWh
	}
	record.Reason = evt.Reason
	stop := evt.Timestamp
	record.StopTime = &stop
	record.Active = false
	snapshot := *record
	t.mu.Unlock()

	t.persist(ctx, identity, "Stop", &snapshot)
	return snapshot
}

// Last returns the most recent record for the station.
func (t *Tracker) Last(identity string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.last[identity]
	if !ok {
		return Record{}, false
	}
	return *record, true
}

// persist mirrors the record under <id>.transactions.last. Store failures are
// telemetry failures and never abort protocol processing.
func (t *Tracker) persist(ctx context.Context, identity, eventType string, r *Record) {
	base := identity + ".transactions.last"
	t.set(ctx, identity, base+".type", eventType)
	t.set(ctx, identity, base+".id", r.TransactionID)
	t.set(ctx, identity, base+".evseId", r.EvseID)
	t.set(ctx, identity, base+".connectorId", r.ConnectorID)
	t.set(ctx, identity, base+".active", r.Active)
	if r.IDToken != "" {
		t.set(ctx, identity, base+".idTag", r.IDToken)
	}
	if r.IDTokenType != "" {
		t.set(ctx, identity, base+".idTagType", r.IDTokenType)
	}
	if !r.StartTime.IsZero() {
		t.set(ctx, identity, base+".startTs", r.StartTime.UTC().Format(time.RFC3339))
	}
	if r.StopTime != nil {
		t.set(ctx, identity, base+".stopTs", r.StopTime.UTC().Format(time.RFC3339))
	}
	if r.Reason != "" {
		t.set(ctx, identity, base+".reason", r.Reason)
	}
	if r.StartMeterWh != nil {
		t.set(ctx, identity, base+".meterStartWh", *r.StartMeterWh)
		t.set(ctx, identity, base+".meterStartKWh", *r.StartMeterWh/1000)
	}
	if r.StopMeterWh != nil {
		t.set(ctx, identity, base+".meterStopWh", *r.StopMeterWh)
		t.set(ctx, identity, base+".meterStopKWh", *r.StopMeterWh/1000)
	}
	if consumed := r.ConsumedWh(); consumed != nil {
		t.set(ctx, identity, base+".consumedWh", *consumed)
		t.set(ctx, identity, base+".consumedKWh", *consumed/1000)
	}
}

func (t *Tracker) set(ctx context.Context, identity, path string, value interface{}) {
	if err := t.store.SetIfChanged(ctx, path, value); err != nil {
		t.logger.Debug("transaction write failed",
			zap.String("station_id", identity), zap.String("path", path), zap.Error(err))
	}
}
