package commands

import "encoding/json"

// IntentKind tags an operator intent.
type IntentKind string

const (
	IntentHardReset        IntentKind = "HardReset"
	IntentSoftReset        IntentKind = "SoftReset"
	IntentSetAvailability  IntentKind = "SetAvailability"
	IntentSetChargingLimit IntentKind = "SetChargingLimit"
	IntentRequestStart     IntentKind = "RequestStart"
	IntentRequestStop      IntentKind = "RequestStop"
	IntentRawCall          IntentKind = "RawCall"
)

// Intent is one operator action against a connected station. Only the fields
// of the tagged kind are read.
type Intent struct {
	Kind IntentKind

	// SetAvailability
	Operative bool

	// SetChargingLimit
	LimitWatts  float64
	LimitPhases int

	// RequestStart
	IDToken         string
	IDTokenType     string
	EvseID          int
	RemoteStartID   int
	ChargingProfile json.RawMessage

	// RequestStop
	TransactionID string

	// RawCall
	Method  string
	Payload json.RawMessage
}

// WireCall is a translated outbound CALL.
type WireCall struct {
	Action  string
	Payload interface{}
}
