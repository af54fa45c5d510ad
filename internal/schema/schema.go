package schema

import (
	"bytes"
	"encoding/json"
)

// Schema is the subset of JSON Schema the synthesizer understands. Property
// declaration order is preserved because minProperties backfill walks
// properties in schema order.
type Schema struct {
	ID                   string
	Ref                  string
	Types                []string
	Const                json.RawMessage
	Default              json.RawMessage
	Enum                 []interface{}
	OneOf                []*Schema
	AnyOf                []*Schema
	AllOf                []*Schema
	Properties           map[string]*Schema
	PropertyOrder        []string
	Required             []string
	MinProperties        int
	AdditionalProperties *Schema
	Items                *Schema
	MinItems             int
	Format               string
	Pattern              string
	MinLength            int
	MaxLength            *int
	Minimum              *float64
	Maximum              *float64
	ExclusiveMinimum     *float64
	ExclusiveMaximum     *float64
	MultipleOf           *float64
	Definitions          map[string]*Schema
}

// UnmarshalJSON decodes a schema document, tolerating the boolean schema form
// and "type" given as either a string or an array.
func (s *Schema) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("true")) || bytes.Equal(trimmed, []byte("false")) {
		*s = Schema{}
		return nil
	}

	var raw struct {
		ID                   string             `json:"$id"`
		Ref                  string             `json:"$ref"`
		Type                 json.RawMessage    `json:"type"`
		Const                json.RawMessage    `json:"const"`
		Default              json.RawMessage    `json:"default"`
		Enum                 []interface{}      `json:"enum"`
		OneOf                []*Schema          `json:"oneOf"`
		AnyOf                []*Schema          `json:"anyOf"`
		AllOf                []*Schema          `json:"allOf"`
		Properties           map[string]*Schema `json:"properties"`
		Required             []string           `json:"required"`
		MinProperties        int                `json:"minProperties"`
		AdditionalProperties json.RawMessage    `json:"additionalProperties"`
		Items                *Schema            `json:"items"`
		MinItems             int                `json:"minItems"`
		Format               string             `json:"format"`
		Pattern              string             `json:"pattern"`
		MinLength            int                `json:"minLength"`
		MaxLength            *int               `json:"maxLength"`
		Minimum              *float64           `json:"minimum"`
		Maximum              *float64           `json:"maximum"`
		ExclusiveMinimum     *float64           `json:"exclusiveMinimum"`
		ExclusiveMaximum     *float64           `json:"exclusiveMaximum"`
		MultipleOf           *float64           `json:"multipleOf"`
		Definitions          map[string]*Schema `json:"definitions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*s = Schema{
		ID:            raw.ID,
		Ref:           raw.Ref,
		Const:         raw.Const,
		Default:       raw.Default,
		Enum:          raw.Enum,
		OneOf:         raw.OneOf,
		AnyOf:         raw.AnyOf,
		AllOf:         raw.AllOf,
		Properties:    raw.Properties,
		Required:      raw.Required,
		MinProperties: raw.MinProperties,
		Items:         raw.Items,
		MinItems:      raw.MinItems,
		Format:        raw.Format,
		Pattern:       raw.Pattern,
		MinLength:     raw.MinLength,
		MaxLength:     raw.MaxLength,
		Minimum:       raw.Minimum,
		Maximum:       raw.Maximum,
		ExclusiveMinimum: raw.ExclusiveMinimum,
		ExclusiveMaximum: raw.ExclusiveMaximum,
		MultipleOf:       raw.MultipleOf,
		Definitions:      raw.Definitions,
	}

	if len(raw.Type) > 0 {
		var single string
		if err := json.Unmarshal(raw.Type, &single); err == nil {
			s.Types = []string{single}
		} else {
			var multi []string
			if err := json.Unmarshal(raw.Type, &multi); err == nil {
				s.Types = multi
			}
		}
	}

	// additionalProperties may be a boolean or a schema; only the schema
	// form matters for synthesis.
	if len(raw.AdditionalProperties) > 0 {
		t := bytes.TrimSpace(raw.AdditionalProperties)
		if len(t) > 0 && t[0] == '{' {
			var ap Schema
			if err := json.Unmarshal(raw.AdditionalProperties, &ap); err != nil {
				return err
			}
			s.AdditionalProperties = &ap
		}
	}

	if len(s.Properties) > 0 {
		s.PropertyOrder = propertyOrder(data)
	}
	return nil
}

// propertyOrder scans the raw document to recover declaration order of the
// top-level "properties" keys, which encoding/json maps discard.
func propertyOrder(data []byte) []string {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil
		}
		key, _ := keyTok.(string)
		if key != "properties" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil
			}
			continue
		}

		open, err := dec.Token()
		if err != nil {
			return nil
		}
		if d, ok := open.(json.Delim); !ok || d != '{' {
			return nil
		}
		var order []string
		for dec.More() {
			nameTok, err := dec.Token()
			if err != nil {
				return nil
			}
			name, ok := nameTok.(string)
			if !ok {
				return nil
			}
			order = append(order, name)
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil
			}
		}
		return order
	}
	return nil
}

// firstType returns the primary declared type, or "" when untyped.
func (s *Schema) firstType() string {
	if len(s.Types) == 0 {
		return ""
	}
	return s.Types[0]
}
