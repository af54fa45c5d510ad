package devicemodel

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"voltgate/internal/statestore"
)

var keySanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// Variable is one reported device model attribute.
type Variable struct {
	Component         string
	ComponentInstance string
	EvseID            int
	ConnectorID       int
	Name              string
	NameInstance      string
	AttributeType     string
	DataType          string
	Value             string
	Mutability        string
	Persistent        bool
	Constant          bool
}

// ComponentKey identifies the owning component, including its EVSE address
// when reported.
func (v *Variable) ComponentKey() string {
	key := v.Component
	if v.ComponentInstance != "" {
		key += "_" + v.ComponentInstance
	}
	if v.EvseID > 0 {
		key += "_evse" + strconv.Itoa(v.EvseID)
		if v.ConnectorID > 0 {
			key += "_" + strconv.Itoa(v.ConnectorID)
		}
	}
	return sanitize(key)
}

// VariableKey identifies the variable within its component.
func (v *Variable) VariableKey() string {
	key := v.Name
	if v.NameInstance != "" {
		key += "_" + v.NameInstance
	}
	return sanitize(key)
}

func sanitize(s string) string {
	return keySanitizer.ReplaceAllString(s, "_")
}

// reportData wire shapes (2.0.1 / 2.1 NotifyReportRequest).
type reportEntry struct {
	Component struct {
		Name     string `json:"name"`
		Instance string `json:"instance"`
		EVSE     *struct {
			ID          int `json:"id"`
			ConnectorID int `json:"connectorId"`
		} `json:"evse"`
	} `json:"component"`
	Variable struct {
		Name     string `json:"name"`
		Instance string `json:"instance"`
	} `json:"variable"`
	VariableAttribute []struct {
		Type       string `json:"type"`
		Value      string `json:"value"`
		Mutability string `json:"mutability"`
		Persistent bool   `json:"persistent"`
		Constant   bool   `json:"constant"`
	} `json:"variableAttribute"`
	VariableCharacteristics *struct {
		DataType string `json:"dataType"`
	} `json:"variableCharacteristics"`
}

// Model holds the last reported device model per station and mirrors it into
// the state store under <id>.devicemodel.<component>.<variable>.<attribute>.
type Model struct {
	mu     sync.Mutex
	vars   map[string]map[string]Variable
	store  statestore.Store
	logger *zap.Logger
}

func NewModel(store statestore.Store, logger *zap.Logger) *Model {
	return &Model{
		vars:   make(map[string]map[string]Variable),
		store:  store,
		logger: logger,
	}
}

// Ingest consumes the reportData array of a NotifyReport and returns the
// variables it produced. An attribute without an explicit type counts as
// "Actual".
func (m *Model) Ingest(ctx context.Context, identity string, reportData json.RawMessage) []Variable {
	var entries []reportEntry
	if err := json.Unmarshal(reportData, &entries); err != nil {
		m.logger.Warn("report parse failed", zap.String("station_id", identity), zap.Error(err))
		return nil
	}

	var out []Variable
	for _, entry := range entries {
		if entry.Component.Name == "" || entry.Variable.Name == "" {
			continue
		}
		attrs := entry.VariableAttribute
		if len(attrs) == 0 {
			attrs = append(attrs, struct {
				Type       string `json:"type"`
				Value      string `json:"value"`
				Mutability string `json:"mutability"`
				Persistent bool   `json:"persistent"`
				Constant   bool   `json:"constant"`
			}{})
		}
		for _, attr := range attrs {
			v := Variable{
				Component:         entry.Component.Name,
				ComponentInstance: entry.Component.Instance,
				Name:              entry.Variable.Name,
				NameInstance:      entry.Variable.Instance,
				AttributeType:     attr.Type,
				Value:             attr.Value,
				Mutability:        attr.Mutability,
				Persistent:        attr.Persistent,
				Constant:          attr.Constant,
			}
			if v.AttributeType == "" {
				v.AttributeType = "Actual"
			}
			if entry.Component.EVSE != nil {
				v.EvseID = entry.Component.EVSE.ID
				v.ConnectorID = entry.Component.EVSE.ConnectorID
			}
			if entry.VariableCharacteristics != nil {
				v.DataType = entry.VariableCharacteristics.DataType
			}
			m.put(ctx, identity, v)
			out = append(out, v)
		}
	}
	return out
}

func (m *Model) put(ctx context.Context, identity string, v Variable) {
	key := v.ComponentKey() + "." + v.VariableKey() + "." + sanitize(v.AttributeType)

	m.mu.Lock()
	byStation, ok := m.vars[identity]
	if !ok {
		byStation = make(map[string]Variable)
		m.vars[identity] = byStation
	}
	byStation[key] = v
	m.mu.Unlock()

	path := identity + ".devicemodel." + key
	if err := m.store.EnsureState(ctx, path, ""); err != nil {
		m.logger.Debug("devicemodel ensure failed", zap.String("path", path), zap.Error(err))
		return
	}
	if err := m.store.SetIfChanged(ctx, path, v.Value); err != nil {
		m.logger.Debug("devicemodel write failed", zap.String("path", path), zap.Error(err))
	}
}

// Get returns the last reported attribute for the key triple.
func (m *Model) Get(identity, componentKey, variableKey, attributeType string) (Variable, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vars[identity][componentKey+"."+variableKey+"."+sanitize(attributeType)]
	return v, ok
}

// SetVariablesPayload maps a local write to the outbound SetVariables call
// shape used by 2.0.1 and 2.1 stations.
func SetVariablesPayload(component, componentInstance, variable, value string) map[string]interface{} {
	comp := map[string]interface{}{"name": component}
	if componentInstance != "" {
		comp["instance"] = componentInstance
	}
	return map[string]interface{}{
		"setVariableData": []interface{}{
			map[string]interface{}{
				"attributeValue": value,
				"component":      comp,
				"variable":       map[string]interface{}{"name": variable},
			},
		},
	}
}
