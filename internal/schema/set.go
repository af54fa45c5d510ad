package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"voltgate/internal/ocpp"
)

// Kind distinguishes request and response schemas within a bundle.
type Kind string

const (
	KindRequest  Kind = "Request"
	KindResponse Kind = "Response"
)

// Set holds the immutable schema collection for one protocol version, keyed
// by action name and message kind.
type Set struct {
	version   ocpp.Version
	requests  map[string]*Schema
	responses map[string]*Schema
}

// NewSet builds a set from pre-parsed schemas. Load is the usual entry
// point; this exists for callers that assemble bundles themselves.
func NewSet(version ocpp.Version, requests, responses map[string]*Schema) *Set {
	if requests == nil {
		requests = make(map[string]*Schema)
	}
	if responses == nil {
		responses = make(map[string]*Schema)
	}
	return &Set{version: version, requests: requests, responses: responses}
}

// Version returns the protocol version this set describes.
func (s *Set) Version() ocpp.Version {
	return s.version
}

// Response returns the response schema for an action.
func (s *Set) Response(action string) (*Schema, bool) {
	sc, ok := s.responses[action]
	return sc, ok
}

// Request returns the request schema for an action.
func (s *Set) Request(action string) (*Schema, bool) {
	sc, ok := s.requests[action]
	return sc, ok
}

// RequestActions lists every action the bundle declares a request schema for.
func (s *Set) RequestActions() []string {
	actions := make([]string, 0, len(s.requests))
	for a := range s.requests {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	return actions
}

// Library maps each enabled protocol version to its schema set. Versions with
// no bundle on disk get an empty set, so every action falls back to an
// empty-object response.
type Library map[ocpp.Version]*Set

// Load reads one bundle file per enabled version from dir. A bundle is a JSON
// array of schema documents whose $id carries action and kind.
func Load(dir string, versions []ocpp.Version, logger *zap.Logger) (Library, error) {
	lib := make(Library, len(versions))
	for _, v := range versions {
		set := &Set{
			version:   v,
			requests:  make(map[string]*Schema),
			responses: make(map[string]*Schema),
		}
		lib[v] = set

		path := filepath.Join(dir, bundleFileName(v))
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				logger.Warn("schema bundle missing, auto responses limited",
					zap.String("protocol", string(v)), zap.String("path", path))
				continue
			}
			return nil, fmt.Errorf("schema: read bundle %s: %w", path, err)
		}

		var docs []*Schema
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("schema: decode bundle %s: %w", path, err)
		}

		for _, doc := range docs {
			action, kind, ok := ParseSchemaID(doc.ID)
			if !ok {
				continue
			}
			switch kind {
			case KindRequest:
				set.requests[action] = doc
			case KindResponse:
				set.responses[action] = doc
			}
		}
		logger.Info("schema bundle loaded",
			zap.String("protocol", string(v)),
			zap.Int("requests", len(set.requests)),
			zap.Int("responses", len(set.responses)))
	}
	return lib, nil
}

func bundleFileName(v ocpp.Version) string {
	return strings.ReplaceAll(string(v), ".", "_") + ".json"
}

var (
	legacyIDRe   = regexp.MustCompile(`^urn:([A-Za-z0-9_]+)\.(req|conf)$`)
	modernIDRe   = regexp.MustCompile(`^urn:([A-Za-z0-9_]+)(Request|Response)$`)
	officialIDRe = regexp.MustCompile(`(?:^|:)([A-Za-z0-9_]+)(Request|Response)$`)
)

// ParseSchemaID extracts (action, kind) from a schema $id. Three shapes are
// recognized: "urn:Action.req|conf", "urn:ActionRequest|Response", and the
// OCA form ending in ":ActionRequest|Response".
func ParseSchemaID(id string) (string, Kind, bool) {
	if id == "" {
		return "", "", false
	}
	if m := legacyIDRe.FindStringSubmatch(id); m != nil {
		kind := KindResponse
		if m[2] == "req" {
			kind = KindRequest
		}
		return m[1], kind, true
	}
	if m := modernIDRe.FindStringSubmatch(id); m != nil {
		return m[1], Kind(m[2]), true
	}
	if m := officialIDRe.FindStringSubmatch(id); m != nil {
		return m[1], Kind(m[2]), true
	}
	return "", "", false
}
