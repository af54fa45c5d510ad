package metering

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"voltgate/internal/ocpp"
)

// FlexFloat decodes a numeric value that stations send either as a JSON
// number (2.x) or a string (1.6).
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*f = 0
		return nil
	}
	if len(trimmed) > 1 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = FlexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = FlexFloat(v)
	return nil
}

// UnitOfMeasure is the nested 2.x unit carrier.
type UnitOfMeasure struct {
	Unit       string `json:"unit"`
	Multiplier int    `json:"multiplier"`
}

// Sample is one sampled value inside a meterValue entry, covering both the
// flat 1.6 and nested 2.x field locations.
type Sample struct {
	Value         FlexFloat      `json:"value"`
	Context       string         `json:"context"`
	Measurand     string         `json:"measurand"`
	Phase         string         `json:"phase"`
	Location      string         `json:"location"`
	Unit          string         `json:"unit"`
	Multiplier    int            `json:"multiplier"`
	UnitOfMeasure *UnitOfMeasure `json:"unitOfMeasure"`
}

// MeterValue groups samples taken at one timestamp.
type MeterValue struct {
	Timestamp    string   `json:"timestamp"`
	SampledValue []Sample `json:"sampledValue"`
}

// CanonicalSample is the version-independent form of one sample.
type CanonicalSample struct {
	Key   string
	Value float64
	Unit  string
}

const (
	defaultMeasurand = "Reading"
	defaultLocation  = "Body"
	defaultContext   = "Sample.Periodic"

	energyImportRegister = "energy.active.import.register"
)

// rebaseTable maps commonly used units to their base unit and scale.
var rebaseTable = map[string]struct {
	unit  string
	scale float64
}{
	"kWh":        {"Wh", 1000},
	"kW":         {"W", 1000},
	"Celcius":    {"°C", 1},
	"Celsius":    {"°C", 1},
	"Fahrenheit": {"°F", 1},
}

// Aggregates maps measurands mirrored into a per-station top-level slot.
var Aggregates = map[string]string{
	"Energy.Active.Export.Register":   "Energy_Active_Export_Register",
	"Energy.Active.Import.Register":   "Energy_Active_Import_Register",
	"Energy.Reactive.Export.Register": "Energy_Reactive_Export_Register",
	"Energy.Reactive.Import.Register": "Energy_Reactive_Import_Register",
	"Energy.Active.Export.Interval":   "Energy_Active_Export_Interval",
	"Energy.Active.Import.Interval":   "Energy_Active_Import_Interval",
	"Energy.Reactive.Export.Interval": "Energy_Reactive_Export_Interval",
	"Energy.Reactive.Import.Interval": "Energy_Reactive_Import_Interval",
	"Power.Active.Export":             "Power_Active_Export",
	"Power.Active.Import":             "Power_Active_Import",
	"Power.Offered":                   "Power_Offered",
	"Current.Import":                  "Current_Import",
	"Current.Export":                  "Current_Export",
	"Voltage":                         "Voltage",
	"Frequency":                       "Frequency",
	"Temperature":                     "Temperature",
	"SoC":                             "SoC",
}

// Rebase converts a value to its base unit; unknown units pass through.
func Rebase(value float64, unit string) (float64, string) {
	if entry, ok := rebaseTable[unit]; ok {
		return value * entry.scale, entry.unit
	}
	return value, unit
}

var keySanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// NormalizeKey builds a stable metric key from sample attributes. Default
// location ("Body") and context ("Sample.Periodic") are omitted, phase dots
// are stripped, and the result is sanitized to an identifier character set.
func NormalizeKey(measurand, phase, location, context string) string {
	parts := []string{measurand}
	if parts[0] == "" {
		parts[0] = defaultMeasurand
	}
	if phase != "" {
		parts = append(parts, strings.ReplaceAll(phase, ".", ""))
	}
	if location != "" && location != defaultLocation {
		parts = append(parts, location)
	}
	if context != "" && context != defaultContext {
		parts = append(parts, context)
	}
	return keySanitizeRe.ReplaceAllString(strings.Join(parts, "_"), "_")
}

// unitAndMultiplier reads the raw unit and power-of-ten multiplier from the
// version-specific field location.
func unitAndMultiplier(s Sample, version ocpp.Version) (string, int) {
	if version.IsV2() && s.UnitOfMeasure != nil {
		unit := s.UnitOfMeasure.Unit
		if unit == "" {
			unit = s.Unit
		}
		return unit, s.UnitOfMeasure.Multiplier
	}
	return s.Unit, s.Multiplier
}

// Normalize turns one sample into its canonical form: the raw value scaled by
// 10^multiplier, rebased to the base unit, under the normalized key.
func Normalize(s Sample, version ocpp.Version) CanonicalSample {
	unit, multiplier := unitAndMultiplier(s, version)
	value := float64(s.Value) * math.Pow(10, float64(multiplier))
	if math.IsNaN(value) || math.IsInf(value, 0) {
		value = 0
	}
	value, unit = Rebase(value, unit)
	return CanonicalSample{
		Key:   NormalizeKey(s.Measurand, s.Phase, s.Location, s.Context),
		Value: value,
		Unit:  unit,
	}
}

// ExtractEnergyImportWh scans a batch for the first active-import energy
// register sample and returns its value in Wh.
func ExtractEnergyImportWh(values []MeterValue, version ocpp.Version) *float64 {
	for _, mv := range values {
		for _, sv := range mv.SampledValue {
			if sv.Measurand == "" {
				continue
			}
			if strings.Contains(strings.ToLower(sv.Measurand), energyImportRegister) {
				c := Normalize(sv, version)
				return &c.Value
			}
		}
	}
	return nil
}

// PhasesInUse derives the number of phases from which phase labels appeared
// in a batch: any L3 label means 3, else any L2 means 2, else 1.
func PhasesInUse(values []MeterValue) int {
	n := 1
	for _, mv := range values {
		for _, sv := range mv.SampledValue {
			phase := strings.ToUpper(sv.Phase)
			if strings.Contains(phase, "L3") {
				return 3
			}
			if strings.Contains(phase, "L2") {
				n = 2
			}
		}
	}
	return n
}
