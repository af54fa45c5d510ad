package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"voltgate/internal/capture"
	"voltgate/internal/commands"
	"voltgate/internal/ocpp"
	"voltgate/internal/registry"
	"voltgate/internal/statestore"
)

type acceptingCaller struct{}

func (acceptingCaller) Call(context.Context, string, interface{}) (json.RawMessage, error) {
	return json.RawMessage(`{"status":"Accepted"}`), nil
}

func newTestAPI(t *testing.T) (*API, *registry.Registry) {
	t.Helper()
	store := statestore.NewMemoryStore()
	logger := zap.NewNop()
	reg := registry.NewRegistry(store, logger)
	dispatcher := commands.NewDispatcher(reg, capture.NewRecorder(store, nil, logger), logger)
	tokens := NewTokenService("test-secret", time.Minute)

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return NewAPI(tokens, dispatcher, reg, nil, "operator", string(hash), logger), reg
}

func loginToken(t *testing.T, handler http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	body := bytes.NewBufferString(`{"user":"operator","password":"hunter2"}`)
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/login", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body)
	}
	var response map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatal(err)
	}
	return response["token"]
}

func noWS(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) }

func TestLogin(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Router(noWS)

	if token := loginToken(t, handler); token == "" {
		t.Fatal("empty token")
	}

	rec := httptest.NewRecorder()
	body := bytes.NewBufferString(`{"user":"operator","password":"wrong"}`)
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/login", body))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d", rec.Code)
	}
}

func TestStationsRequireAuth(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Router(noWS)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stations", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/stations", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rec.Code)
	}
}

func TestListStations(t *testing.T) {
	api, reg := newTestAPI(t)
	handler := api.Router(noWS)
	reg.Register(context.Background(), "CP-1", ocpp.V16, acceptingCaller{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/stations", nil)
	req.Header.Set("Authorization", "Bearer "+loginToken(t, handler))
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var stations []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &stations); err != nil {
		t.Fatal(err)
	}
	if len(stations) != 1 || stations[0]["id"] != "CP-1" || stations[0]["connected"] != true {
		t.Fatalf("stations = %v", stations)
	}
}

func TestDispatchCommand(t *testing.T) {
	api, reg := newTestAPI(t)
	handler := api.Router(noWS)
	reg.Register(context.Background(), "CP-1", ocpp.V201, acceptingCaller{})
	token := loginToken(t, handler)

	rec := httptest.NewRecorder()
	body := bytes.NewBufferString(`{"type":"HardReset"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/stations/CP-1/commands", body)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	// Offline station: dropped with 409, never queued.
	rec = httptest.NewRecorder()
	body = bytes.NewBufferString(`{"type":"HardReset"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/stations/CP-404/commands", body)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("offline status = %d", rec.Code)
	}

	// Unknown command type.
	rec = httptest.NewRecorder()
	body = bytes.NewBufferString(`{"type":"Explode"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/stations/CP-1/commands", body)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown type status = %d", rec.Code)
	}
}

// Every dispatched command is attributed to the operator from the token.
func TestDispatchCommandAuditsOperator(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	store := statestore.NewMemoryStore()
	reg := registry.NewRegistry(store, logger)
	dispatcher := commands.NewDispatcher(reg, capture.NewRecorder(store, nil, logger), logger)
	tokens := NewTokenService("test-secret", time.Minute)
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	api := NewAPI(tokens, dispatcher, reg, nil, "operator", string(hash), logger)
	handler := api.Router(noWS)
	reg.Register(context.Background(), "CP-1", ocpp.V201, acceptingCaller{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/stations/CP-1/commands",
		bytes.NewBufferString(`{"type":"HardReset"}`))
	req.Header.Set("Authorization", "Bearer "+loginToken(t, handler))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	entries := logs.FilterMessage("operator command").All()
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["operator"] != "operator" || fields["type"] != "HardReset" || fields["station_id"] != "CP-1" {
		t.Fatalf("audit fields = %v", fields)
	}
}

func TestHealth(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := httptest.NewRecorder()
	api.Router(noWS).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
}
