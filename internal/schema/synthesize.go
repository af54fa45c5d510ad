package schema

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"
	"time"
)

// maxDepth bounds recursion so cyclic reference chains terminate.
const maxDepth = 20

const definitionsPrefix = "#/definitions/"

// enumPreference lists positive values picked first from an enum.
var enumPreference = []string{"Accepted", "OK", "AcceptedOffline", "Available"}

// Synthesizer fabricates a payload that validates against a response schema.
// Its only piece of domain knowledge is VendorID, injected into an otherwise
// empty customData object.
type Synthesizer struct {
	VendorID string
	Now      func() time.Time
}

// NewSynthesizer returns a synthesizer stamping date-time strings with now.
func NewSynthesizer(vendorID string) *Synthesizer {
	return &Synthesizer{VendorID: vendorID, Now: time.Now}
}

// Synthesize builds a response payload for the given schema. A nil schema
// yields an empty object, treated as a no-op success.
func (s *Synthesizer) Synthesize(root *Schema) map[string]interface{} {
	if root == nil {
		return map[string]interface{}{}
	}
	v, ok := s.generate(root, root, 0, map[string]bool{})
	obj, isObj := v.(map[string]interface{})
	if !ok || !isObj {
		return map[string]interface{}{}
	}
	if custom, present := obj["customData"].(map[string]interface{}); present {
		if _, has := custom["vendorId"]; !has {
			custom["vendorId"] = s.VendorID
		}
	}
	return obj
}

// generate resolves one schema node. The second return value is false when no
// value can be produced; containing objects then omit the property.
func (s *Synthesizer) generate(sc, root *Schema, depth int, refStack map[string]bool) (interface{}, bool) {
	if sc == nil || depth > maxDepth {
		return nil, false
	}

	if sc.Ref != "" {
		if !strings.HasPrefix(sc.Ref, definitionsPrefix) {
			return nil, false
		}
		if refStack[sc.Ref] {
			// Cyclic definition: give up on this branch rather than recurse.
			return nil, false
		}
		def := root.Definitions[strings.TrimPrefix(sc.Ref, definitionsPrefix)]
		refStack[sc.Ref] = true
		v, ok := s.generate(def, root, depth+1, refStack)
		delete(refStack, sc.Ref)
		return v, ok
	}

	if len(sc.Const) > 0 {
		return decodeRaw(sc.Const)
	}
	if len(sc.Default) > 0 {
		return decodeRaw(sc.Default)
	}
	if len(sc.Enum) > 0 {
		return pickEnum(sc.Enum), true
	}
	if len(sc.OneOf) > 0 {
		return s.generate(sc.OneOf[0], root, depth+1, refStack)
	}
	if len(sc.AnyOf) > 0 {
		return s.generate(sc.AnyOf[0], root, depth+1, refStack)
	}
	if len(sc.AllOf) > 0 {
		return s.generateAllOf(sc, root, depth, refStack)
	}

	switch sc.firstType() {
	case "object":
		return s.generateObject(sc, root, depth, refStack), true
	case "array":
		arr := make([]interface{}, 0, sc.MinItems)
		for i := 0; i < sc.MinItems; i++ {
			item, ok := s.generate(sc.Items, root, depth+1, refStack)
			if !ok {
				item = nil
			}
			arr = append(arr, item)
		}
		return arr, true
	case "string":
		return s.generateString(sc), true
	case "integer":
		return numberExample(sc, true), true
	case "number":
		return numberExample(sc, false), true
	case "boolean":
		return false, true
	default:
		return nil, false
	}
}

func (s *Synthesizer) generateAllOf(sc, root *Schema, depth int, refStack map[string]bool) (interface{}, bool) {
	parts := make([]interface{}, 0, len(sc.AllOf))
	allObjects := true
	for _, branch := range sc.AllOf {
		v, ok := s.generate(branch, root, depth+1, refStack)
		if !ok {
			continue
		}
		parts = append(parts, v)
		if _, isObj := v.(map[string]interface{}); !isObj {
			allObjects = false
		}
	}
	if len(parts) == 0 {
		return nil, false
	}
	if allObjects {
		merged := make(map[string]interface{})
		for _, p := range parts {
			for k, v := range p.(map[string]interface{}) {
				merged[k] = v
			}
		}
		return merged, true
	}
	return parts[0], true
}

func (s *Synthesizer) generateObject(sc, root *Schema, depth int, refStack map[string]bool) map[string]interface{} {
	obj := make(map[string]interface{})
	for _, key := range sc.Required {
		if prop, ok := sc.Properties[key]; ok {
			if v, ok := s.generate(prop, root, depth+1, refStack); ok {
				obj[key] = v
			}
			continue
		}
		if sc.AdditionalProperties != nil {
			if v, ok := s.generate(sc.AdditionalProperties, root, depth+1, refStack); ok {
				obj[key] = v
			}
		}
	}

	// Some schemas use minProperties without required: backfill from declared
	// properties in schema order until satisfied.
	if sc.MinProperties > 0 && len(obj) < sc.MinProperties {
		for _, key := range sc.PropertyOrder {
			if len(obj) >= sc.MinProperties {
				break
			}
			if _, present := obj[key]; present {
				continue
			}
			if v, ok := s.generate(sc.Properties[key], root, depth+1, refStack); ok {
				obj[key] = v
			}
		}
	}
	return obj
}

func (s *Synthesizer) generateString(sc *Schema) string {
	if sc.Format == "date-time" {
		return s.Now().UTC().Format(time.RFC3339)
	}
	if sc.Format == "uri" {
		return "http://localhost/"
	}
	if sc.Pattern != "" {
		return clampString(patternExample(sc.Pattern), sc.MinLength, sc.MaxLength)
	}
	v := "0"
	if sc.MinLength > 0 {
		v = strings.Repeat("0", sc.MinLength)
	}
	return clampString(v, 0, sc.MaxLength)
}

func clampString(v string, minLen int, maxLen *int) string {
	if maxLen != nil && len(v) > *maxLen {
		v = v[:*maxLen]
	}
	if minLen > 0 && len(v) < minLen {
		v += strings.Repeat("0", minLen-len(v))
	}
	return v
}

func decodeRaw(raw json.RawMessage) (interface{}, bool) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

func pickEnum(values []interface{}) interface{} {
	for _, preferred := range enumPreference {
		for _, v := range values {
			if s, ok := v.(string); ok && s == preferred {
				return s
			}
		}
	}
	return values[0]
}

var (
	hexPatternRe    = regexp.MustCompile(`^\^\[0-9A-Fa-f\]\{(\d+)\}\$?$`)
	hexPatternAltRe = regexp.MustCompile(`^\^\[0-9a-fA-F\]\{(\d+)\}\$?$`)
	digitPatternRe  = regexp.MustCompile(`^\^\[0-9\]\{(\d+)\}\$?$`)
)

// patternExample builds a value for the handful of regex shapes the OCPP
// bundles actually use; anything else gets a minimal placeholder.
func patternExample(pattern string) string {
	if pattern == "" {
		return "0"
	}
	if m := hexPatternRe.FindStringSubmatch(pattern); m != nil {
		return strings.Repeat("A", atoi(m[1]))
	}
	if m := hexPatternAltRe.FindStringSubmatch(pattern); m != nil {
		return strings.Repeat("A", atoi(m[1]))
	}
	if m := digitPatternRe.FindStringSubmatch(pattern); m != nil {
		return strings.Repeat("0", atoi(m[1]))
	}
	if strings.Contains(pattern, "[0-9a-fA-F]") && strings.Contains(pattern, "-") &&
		strings.Contains(pattern, "{8}") && strings.Contains(pattern, "{4}") &&
		strings.Contains(pattern, "{12}") {
		return "00000000-0000-0000-0000-000000000000"
	}
	return "0"
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}

// numberExample walks the declared bounds: start at minimum, nudge past
// exclusive bounds, clamp to maximum, round to multipleOf, truncate integers.
func numberExample(sc *Schema, isInt bool) interface{} {
	v := 0.0
	if sc.Minimum != nil {
		v = *sc.Minimum
	}
	if sc.ExclusiveMinimum != nil {
		if isInt {
			v = *sc.ExclusiveMinimum + 1
		} else {
			v = *sc.ExclusiveMinimum + 0.000001
		}
	}
	if sc.Maximum != nil {
		v = math.Min(v, *sc.Maximum)
	}
	if sc.ExclusiveMaximum != nil {
		if isInt {
			v = math.Min(v, *sc.ExclusiveMaximum-1)
		} else {
			v = math.Min(v, *sc.ExclusiveMaximum-0.000001)
		}
	}
	if sc.MultipleOf != nil && *sc.MultipleOf != 0 {
		v = math.Round(v / *sc.MultipleOf) * *sc.MultipleOf
	}
	if isInt {
		return int(math.Trunc(v))
	}
	return v
}
