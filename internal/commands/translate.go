package commands

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"voltgate/internal/ocpp"
)

// Swappable in tests for deterministic profile ids and schedule stamps.
var (
	profileID = func() int { return rand.Intn(899999) + 100000 }
	now       = func() time.Time { return time.Now().UTC() }
)

// Translate maps an intent to the wire call for the session's dialect.
func Translate(intent Intent, version ocpp.Version) (WireCall, error) {
	v2 := version.IsV2()

	switch intent.Kind {
	case IntentHardReset:
		if v2 {
			return WireCall{"Reset", map[string]interface{}{"type": "Immediate"}}, nil
		}
		return WireCall{"Reset", map[string]interface{}{"type": "Hard"}}, nil

	case IntentSoftReset:
		if v2 {
			return WireCall{"Reset", map[string]interface{}{"type": "OnIdle"}}, nil
		}
		return WireCall{"Reset", map[string]interface{}{"type": "Soft"}}, nil

	case IntentSetAvailability:
		status := "Inoperative"
		if intent.Operative {
			status = "Operative"
		}
		if v2 {
			return WireCall{"ChangeAvailability", map[string]interface{}{"operationalStatus": status}}, nil
		}
		return WireCall{"ChangeAvailability", map[string]interface{}{"connectorId": 0, "type": status}}, nil

	case IntentSetChargingLimit:
		return chargingProfileCall(intent, v2), nil

	case IntentRequestStart:
		if v2 {
			payload := map[string]interface{}{
				"idToken": map[string]interface{}{
					"idToken": intent.IDToken,
					"type":    tokenType(intent.IDTokenType),
				},
				"remoteStartId": remoteStartID(intent),
			}
			if intent.EvseID > 0 {
				payload["evseId"] = intent.EvseID
			}
			if len(intent.ChargingProfile) > 0 {
				payload["chargingProfile"] = intent.ChargingProfile
			}
			return WireCall{"RequestStartTransaction", payload}, nil
		}
		payload := map[string]interface{}{"idTag": intent.IDToken}
		if intent.EvseID > 0 {
			payload["connectorId"] = intent.EvseID
		}
		return WireCall{"RemoteStartTransaction", payload}, nil

	case IntentRequestStop:
		if v2 {
			return WireCall{"RequestStopTransaction", map[string]interface{}{"transactionId": intent.TransactionID}}, nil
		}
		txID, err := strconv.Atoi(intent.TransactionID)
		if err != nil {
			return WireCall{}, fmt.Errorf("1.6 stop needs a numeric transaction id, got %q", intent.TransactionID)
		}
		return WireCall{"RemoteStopTransaction", map[string]interface{}{"transactionId": txID}}, nil

	case IntentRawCall:
		if intent.Method == "" {
			return WireCall{}, fmt.Errorf("raw call without a method")
		}
		return WireCall{intent.Method, intent.Payload}, nil
	}
	return WireCall{}, fmt.Errorf("unknown intent kind %q", intent.Kind)
}

func chargingProfileCall(intent Intent, v2 bool) WireCall {
	period := map[string]interface{}{
		"startPeriod": 0,
		"limit":       intent.LimitWatts,
	}
	if intent.LimitPhases > 0 {
		period["numberPhases"] = intent.LimitPhases
	}
	schedule := map[string]interface{}{
		"id":                 profileID(),
		"startSchedule":      now().Format(time.RFC3339),
		"chargingRateUnit":   "W",
		"chargingSchedulePeriod": []interface{}{period},
	}

	if v2 {
		return WireCall{"SetChargingProfile", map[string]interface{}{
			"evseId": 0,
			"chargingProfile": map[string]interface{}{
				"id":                     profileID(),
				"stackLevel":             0,
				"chargingProfilePurpose": "ChargingStationMaxProfile",
				"chargingProfileKind":    "Absolute",
				"chargingSchedule":       []interface{}{schedule},
			},
		}}
	}
	delete(schedule, "id")
	return WireCall{"SetChargingProfile", map[string]interface{}{
		"connectorId": 0,
		"csChargingProfiles": map[string]interface{}{
			"chargingProfileId":      profileID(),
			"stackLevel":             0,
			"chargingProfilePurpose": "TxDefaultProfile",
			"chargingProfileKind":    "Absolute",
			"chargingSchedule":       schedule,
		},
	}}
}

func tokenType(t string) string {
	if t == "" {
		return "ISO14443"
	}
	return t
}

func remoteStartID(intent Intent) int {
	if intent.RemoteStartID > 0 {
		return intent.RemoteStartID
	}
	return profileID()
}
