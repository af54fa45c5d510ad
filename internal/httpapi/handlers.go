package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"voltgate/internal/commands"
	"voltgate/internal/registry"
	"voltgate/internal/repository"
)

// API is the operator-facing HTTP surface.
type API struct {
	tokens     *TokenService
	dispatcher *commands.Dispatcher
	registry   *registry.Registry
	stations   *repository.StationRepository
	user       string
	passHash   string
	logger     *zap.Logger
}

func NewAPI(tokens *TokenService, dispatcher *commands.Dispatcher, reg *registry.Registry, stations *repository.StationRepository, operatorUser, operatorPassHash string, logger *zap.Logger) *API {
	return &API{
		tokens:     tokens,
		dispatcher: dispatcher,
		registry:   reg,
		stations:   stations,
		user:       operatorUser,
		passHash:   operatorPassHash,
		logger:     logger,
	}
}

// Router builds the full mux: public login/health/metrics plus the
// token-guarded operator routes.
func (a *API) Router(wsHandler http.HandlerFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/login", a.login)
	mux.HandleFunc("/ocpp/", wsHandler)

	guarded := http.NewServeMux()
	guarded.HandleFunc("GET /api/stations", a.listStations)
	guarded.HandleFunc("POST /api/stations/{id}/commands", a.dispatchCommand)
	mux.Handle("/api/stations", authMiddleware(a.tokens)(guarded))
	mux.Handle("/api/stations/", authMiddleware(a.tokens)(guarded))
	return mux
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		User     string `json:"user"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.User != a.user ||
		bcrypt.CompareHashAndPassword([]byte(a.passHash), []byte(body.Password)) != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	token, err := a.tokens.Generate(body.User)
	if err != nil {
		a.logger.Error("token generation failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (a *API) listStations(w http.ResponseWriter, r *http.Request) {
	connected := make(map[string]bool)
	for _, id := range a.registry.Identities() {
		connected[id] = true
	}

	type stationView struct {
		repository.Station
		Connected bool `json:"connected"`
	}
	views := make([]stationView, 0)

	if a.stations != nil {
		stored, err := a.stations.List(r.Context())
		if err != nil {
			a.logger.Error("station list failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		for _, s := range stored {
			views = append(views, stationView{Station: s, Connected: connected[s.ID]})
			delete(connected, s.ID)
		}
	}
	// Stations connected but not yet booted have no inventory row.
	for id := range connected {
		views = append(views, stationView{Station: repository.Station{ID: id}, Connected: true})
	}
	writeJSON(w, http.StatusOK, views)
}

// commandRequest is the wire form of a ControlIntent.
type commandRequest struct {
	Type            string          `json:"type"`
	Operative       *bool           `json:"operative"`
	LimitWatts      float64         `json:"limitWatts"`
	LimitPhases     int             `json:"limitPhases"`
	IDToken         string          `json:"idToken"`
	IDTokenType     string          `json:"idTokenType"`
	EvseID          int             `json:"evseId"`
	RemoteStartID   int             `json:"remoteStartId"`
	ChargingProfile json.RawMessage `json:"chargingProfile"`
	TransactionID   string          `json:"transactionId"`
	Method          string          `json:"method"`
	Payload         json.RawMessage `json:"payload"`
}

func (a *API) dispatchCommand(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("id")
	var body commandRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	intent, err := body.intent()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	operator, _ := UserFromContext(r.Context())
	a.logger.Info("operator command",
		zap.String("operator", operator),
		zap.String("station_id", identity),
		zap.String("type", string(intent.Kind)))

	response, err := a.dispatcher.Dispatch(r.Context(), identity, intent)
	if err != nil {
		if errors.Is(err, commands.ErrNoSession) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		a.logger.Warn("command failed",
			zap.String("operator", operator), zap.String("station_id", identity), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"response": json.RawMessage(response)})
}

func (c *commandRequest) intent() (commands.Intent, error) {
	kind := commands.IntentKind(c.Type)
	switch kind {
	case commands.IntentHardReset, commands.IntentSoftReset:
		return commands.Intent{Kind: kind}, nil
	case commands.IntentSetAvailability:
		if c.Operative == nil {
			return commands.Intent{}, errors.New("operative is required")
		}
		return commands.Intent{Kind: kind, Operative: *c.Operative}, nil
	case commands.IntentSetChargingLimit:
		if c.LimitWatts <= 0 {
			return commands.Intent{}, errors.New("limitWatts must be positive")
		}
		return commands.Intent{Kind: kind, LimitWatts: c.LimitWatts, LimitPhases: c.LimitPhases}, nil
	case commands.IntentRequestStart:
		if c.IDToken == "" {
			return commands.Intent{}, errors.New("idToken is required")
		}
		return commands.Intent{
			Kind:            kind,
			IDToken:         c.IDToken,
			IDTokenType:     c.IDTokenType,
			EvseID:          c.EvseID,
			RemoteStartID:   c.RemoteStartID,
			ChargingProfile: c.ChargingProfile,
		}, nil
	case commands.IntentRequestStop:
		return commands.Intent{Kind: kind, TransactionID: c.TransactionID}, nil
	case commands.IntentRawCall:
		return commands.Intent{Kind: kind, Method: c.Method, Payload: c.Payload}, nil
	}
	return commands.Intent{}, errors.New("unknown command type")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
