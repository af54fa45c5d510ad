package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"voltgate/internal/ocpp"
	"voltgate/internal/statestore"
)

// Caller sends an outbound CALL over a live connection and blocks until the
// station answers or the transport fails.
type Caller interface {
	Call(ctx context.Context, action string, payload interface{}) (json.RawMessage, error)
}

// Session is one live station connection.
type Session struct {
	Identity    string
	Version     ocpp.Version
	Caller      Caller
	ConnectedAt time.Time

	mu            sync.Mutex
	lastTxID      string
	lastConnector int
}

// RememberTransaction stores the (connector, transaction) pair minted for a
// 1.6 StartTransaction so a later StopTransaction can be correlated.
func (s *Session) RememberTransaction(connectorID int, txID string) {
	s.mu.Lock()
	s.lastConnector = connectorID
	s.lastTxID = txID
	s.mu.Unlock()
}

// LastTransaction returns the remembered pair, if any.
func (s *Session) LastTransaction() (connectorID int, txID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastConnector, s.lastTxID, s.lastTxID != ""
}

// Registry maps station identities to their live sessions. Re-registration
// replaces the previous session: the newest connection wins.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	store    statestore.Store
	logger   *zap.Logger
}

func NewRegistry(store statestore.Store, logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		store:    store,
		logger:   logger,
	}
}

// Register binds the identity to a new session and marks it connected.
func (r *Registry) Register(ctx context.Context, identity string, version ocpp.Version, caller Caller) *Session {
	session := &Session{
		Identity:    identity,
		Version:     version,
		Caller:      caller,
		ConnectedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	previous := r.sessions[identity]
	r.sessions[identity] = session
	r.mu.Unlock()

	if previous != nil {
		r.logger.Info("session replaced", zap.String("station_id", identity))
	}
	r.setConnectivity(ctx, identity, true)
	return session
}

// Unregister removes the session, but only when it is still the current one
// for its identity. A stale connection closing after a reconnect must not
// tear down the fresh session.
func (r *Registry) Unregister(ctx context.Context, session *Session) {
	if session == nil {
		return
	}
	r.mu.Lock()
	current, ok := r.sessions[session.Identity]
	if ok && current == session {
		delete(r.sessions, session.Identity)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		r.setConnectivity(ctx, session.Identity, false)
	}
}

// Lookup returns the live session for the identity.
func (r *Registry) Lookup(identity string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[identity]
	return session, ok
}

// Identities lists the currently connected stations.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for identity := range r.sessions {
		out = append(out, identity)
	}
	return out
}

func (r *Registry) setConnectivity(ctx context.Context, identity string, connected bool) {
	if err := r.store.EnsureObject(ctx, identity); err != nil {
		r.logger.Debug("connectivity ensure failed", zap.String("station_id", identity), zap.Error(err))
	}
	if err := r.store.SetIfChanged(ctx, identity+".connected", connected); err != nil {
		r.logger.Debug("connectivity write failed", zap.String("station_id", identity), zap.Error(err))
	}
}
